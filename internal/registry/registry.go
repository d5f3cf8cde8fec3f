// Package registry gives each running instance a stable small identity
// drawn from a bounded slot pool in the backing store. The slot id tags
// every ledger reservation the instance makes; a heartbeat keeps the
// claim alive and lets crashed instances' slots be reclaimed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/linkcutter/linkcut/internal/database"
	"github.com/linkcutter/linkcut/internal/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const releaseTimeout = 5 * time.Second

// SlotStore is the storage-side of the instance registry.
type SlotStore interface {
	EnsureSlots(ctx context.Context, maxSlots int) error
	Claim(ctx context.Context, instanceName, claimToken string, staleBefore time.Time) (*models.InstanceSlot, error)
	Heartbeat(ctx context.Context, slotID int, claimToken string) error
	Release(ctx context.Context, slotID int, claimToken string) error
}

// Registry claims one slot for this process and keeps it alive. Claim
// must succeed before the instance may reserve identifier ranges.
type Registry struct {
	store      SlotStore
	logger     *slog.Logger
	maxSlots   int
	interval   time.Duration
	staleAfter time.Duration

	slot  *models.InstanceSlot
	token string
}

// New creates a registry over the given store. interval is the heartbeat
// period; a slot whose heartbeat is older than staleAfter is treated as
// released and may be reclaimed by another instance.
func New(store SlotStore, logger *slog.Logger, maxSlots int, interval, staleAfter time.Duration) *Registry {
	return &Registry{
		store:      store,
		logger:     logger,
		maxSlots:   maxSlots,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Claim reserves a slot for this instance. Every claim carries a fresh
// random token; heartbeats and the final release are only honored while
// the token still matches, so a holder that lost its slot to reclamation
// cannot disturb the next holder. database.ErrNoAvailableSlot means the
// instance cap is reached and the process should not start.
func (r *Registry) Claim(ctx context.Context, instanceName string) (*models.InstanceSlot, error) {
	const op = "registry.Registry.Claim"

	token, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to generate claim token: %w", op, err)
	}

	if err := r.store.EnsureSlots(ctx, r.maxSlots); err != nil {
		return nil, fmt.Errorf("%s: failed to ensure slot pool: %w", op, err)
	}

	slot, err := r.store.Claim(ctx, instanceName, token, time.Now().Add(-r.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to claim slot: %w", op, err)
	}

	r.slot = slot
	r.token = token

	r.logger.Info("instance slot claimed",
		slog.Int("slot_id", slot.ID),
		slog.String("instance_name", instanceName),
	)

	return slot, nil
}

// SlotID returns the claimed slot id. Only valid after Claim.
func (r *Registry) SlotID() int {
	if r.slot == nil {
		return 0
	}
	return r.slot.ID
}

// Run heartbeats the claimed slot until ctx is cancelled, then releases
// it. Losing the slot to reclamation is fatal: the instance identity is
// gone and the process must not keep reserving ranges under it.
func (r *Registry) Run(ctx context.Context) error {
	const op = "registry.Registry.Run"

	if r.slot == nil {
		return fmt.Errorf("%s: no slot claimed", op)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := r.store.Heartbeat(ctx, r.slot.ID, r.token)
			if err == nil {
				continue
			}
			if errors.Is(err, database.ErrSlotNotHeld) {
				return fmt.Errorf("%s: slot %d reclaimed by another instance: %w", op, r.slot.ID, err)
			}
			// Transient store trouble: the slot stays ours until the
			// staleness threshold passes, so keep trying.
			r.logger.Warn("heartbeat failed",
				slog.Int("slot_id", r.slot.ID),
				slog.Any("err", err),
			)
		case <-ctx.Done():
			return r.release()
		}
	}
}

func (r *Registry) release() error {
	const op = "registry.Registry.release"

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := r.store.Release(ctx, r.slot.ID, r.token); err != nil {
		if errors.Is(err, database.ErrSlotNotHeld) {
			r.logger.Warn("slot already reclaimed at shutdown", slog.Int("slot_id", r.slot.ID))
			return nil
		}
		return fmt.Errorf("%s: failed to release slot %d: %w", op, r.slot.ID, err)
	}

	r.logger.Info("instance slot released", slog.Int("slot_id", r.slot.ID))
	return nil
}
