// Package notify delivers human-facing deployment notifications.
// Delivery is best effort: callers log a returned error and move on,
// a dead notification channel never blocks or fails a deploy.
package notify

import "context"

// Attachment is a named blob included with a notification, typically a
// build log.
type Attachment struct {
	Filename string
	Content  []byte
}

// Notifier posts messages to a notification channel.
type Notifier interface {
	// Notify posts a plain text message.
	Notify(ctx context.Context, msg string) error

	// NotifyFile posts a message with an attached file.
	NotifyFile(ctx context.Context, msg string, att Attachment) error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

func (Nop) NotifyFile(context.Context, string, Attachment) error { return nil }
