package notify

import (
	"context"
	"errors"
)

// Multi fans a notification out to several sinks. Every sink is
// attempted even when an earlier one fails; the errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyFile(ctx context.Context, msg string, att Attachment) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyFile(ctx, msg, att); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
