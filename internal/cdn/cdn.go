// Package cdn invalidates edge-cached copies of published artifact
// URLs. Both backends satisfy artifact.Purger; which one a deployment
// uses is a config choice.
package cdn

import "context"

// NopPurger does nothing. Used when no CDN fronts the serving root.
type NopPurger struct{}

func (NopPurger) Purge(context.Context, string) error { return nil }
