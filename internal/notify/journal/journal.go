// Package journal records every alert lifecycle event in storage.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eewbot/internal/eew"
	"eewbot/internal/storage"
)

var ErrNoStore = errors.New("journal: storage is disabled")

type Backend struct {
	store storage.Store
	now   func() time.Time
}

func New(store storage.Store) (*Backend, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	return &Backend{store: store, now: time.Now}, nil
}

func (b *Backend) Name() string { return "journal" }

func (b *Backend) SendNew(ctx context.Context, a *eew.Alert) error {
	return b.append(ctx, eew.EventNew, a)
}

func (b *Backend) SendUpdate(ctx context.Context, a *eew.Alert) error {
	return b.append(ctx, eew.EventUpdate, a)
}

func (b *Backend) SendLift(ctx context.Context, a *eew.Alert) error {
	return b.append(ctx, eew.EventLift, a)
}

func (b *Backend) append(ctx context.Context, kind eew.EventKind, a *eew.Alert) error {
	e := storage.EventEntry{
		ID:        uuid.NewString(),
		At:        b.now(),
		Kind:      kind.String(),
		AlertID:   a.ID,
		Serial:    a.Serial,
		Final:     a.Final,
		Magnitude: a.Earthquake.Magnitude,
		Depth:     a.Earthquake.Depth,
		Location:  a.Earthquake.Location,
		Provider:  a.Provider,
	}
	if err := b.store.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("journal %s %s: %w", kind, a.Version(), err)
	}
	return nil
}
