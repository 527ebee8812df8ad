// Package notify defines the capability every notification backend offers
// to the dispatcher.
package notify

import (
	"context"

	"eewbot/internal/eew"
)

// Backend receives alert lifecycle events. Each method returns once
// delivery has been attempted; a returned error is logged by the caller
// and never affects other backends.
type Backend interface {
	Name() string
	SendNew(ctx context.Context, a *eew.Alert) error
	SendUpdate(ctx context.Context, a *eew.Alert) error
	SendLift(ctx context.Context, a *eew.Alert) error
}

// Deliver routes ev to the matching Backend method.
func Deliver(ctx context.Context, b Backend, ev eew.Event) error {
	switch ev.Kind {
	case eew.EventNew:
		return b.SendNew(ctx, ev.Alert)
	case eew.EventUpdate:
		return b.SendUpdate(ctx, ev.Alert)
	case eew.EventLift:
		return b.SendLift(ctx, ev.Alert)
	default:
		return nil
	}
}
