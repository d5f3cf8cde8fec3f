package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/linkcutter/linkcut/internal/database"
	"github.com/linkcutter/linkcut/internal/models"
)

type slotRecord struct {
	ID            int            `db:"id"`
	InstanceName  sql.NullString `db:"instance_name"`
	Reserved      bool           `db:"reserved"`
	ClaimToken    sql.NullString `db:"claim_token"`
	RegisteredAt  time.Time      `db:"registered_at"`
	LastHeartbeat sql.NullTime   `db:"last_heartbeat"`
}

func (r *slotRecord) ToSlot() *models.InstanceSlot {
	return &models.InstanceSlot{
		ID:            r.ID,
		InstanceName:  r.InstanceName.String,
		Reserved:      r.Reserved,
		ClaimToken:    r.ClaimToken.String,
		RegisteredAt:  r.RegisteredAt,
		LastHeartbeat: r.LastHeartbeat.Time,
	}
}

// SlotRepository manages the bounded pool of instance slots. Slots are
// pre-created, claimed and released, never deleted.
type SlotRepository struct {
	db *sqlx.DB
}

func NewSlotRepository(db *sqlx.DB) *SlotRepository {
	return &SlotRepository{
		db: db,
	}
}

// EnsureSlots makes sure slots 1..maxSlots exist. Idempotent, safe to
// run from every starting instance.
func (r *SlotRepository) EnsureSlots(ctx context.Context, maxSlots int) error {
	const op = "database.postgres.SlotRepository.EnsureSlots"

	if maxSlots < 1 {
		return fmt.Errorf("%s: max slots must be positive, got %d", op, maxSlots)
	}

	query := `INSERT INTO instance_slots(id)
		SELECT g FROM generate_series(1, $1) AS g
		ON CONFLICT (id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, maxSlots); err != nil {
		return fmt.Errorf("%s: failed to ensure slot pool: %w", op, err)
	}

	return nil
}

// Claim reserves the first slot that is free or whose holder's heartbeat
// predates staleBefore. The row is locked for the duration of the update
// and SKIP LOCKED keeps two starting instances from contending on the
// same row. Returns database.ErrNoAvailableSlot when the pool is fully
// claimed by live holders.
func (r *SlotRepository) Claim(ctx context.Context, instanceName, claimToken string, staleBefore time.Time) (*models.InstanceSlot, error) {
	const op = "database.postgres.SlotRepository.Claim"

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}
	defer tx.Rollback()

	var slotID int
	selectQuery := `SELECT id FROM instance_slots
		WHERE reserved = FALSE OR last_heartbeat < $1
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	err = tx.GetContext(ctx, &slotID, selectQuery, staleBefore)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrNoAvailableSlot)
		}

		return nil, fmt.Errorf("%s: failed to find free slot: %w", op, err)
	}

	rec := new(slotRecord)
	updateQuery := `UPDATE instance_slots
		SET reserved = TRUE,
			instance_name = NULLIF($2, ''),
			claim_token = $3,
			registered_at = now(),
			last_heartbeat = now()
		WHERE id = $1
		RETURNING *`

	if err := tx.GetContext(ctx, rec, updateQuery, slotID, instanceName, claimToken); err != nil {
		return nil, fmt.Errorf("%s: failed to claim slot: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: failed to commit claim: %w", op, err)
	}

	return rec.ToSlot(), nil
}

// Heartbeat refreshes the liveness timestamp of a held slot. The claim
// token guards against refreshing a slot that was reclaimed from us.
func (r *SlotRepository) Heartbeat(ctx context.Context, slotID int, claimToken string) error {
	const op = "database.postgres.SlotRepository.Heartbeat"

	query := `UPDATE instance_slots
		SET last_heartbeat = now()
		WHERE id = $1 AND claim_token = $2 AND reserved`

	res, err := r.db.ExecContext(ctx, query, slotID, claimToken)
	if err != nil {
		return fmt.Errorf("%s: failed to update heartbeat: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: failed to read affected rows: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, database.ErrSlotNotHeld)
	}

	return nil
}

// Release frees a held slot on graceful shutdown. Stale releases from a
// previous holder are rejected through the token check.
func (r *SlotRepository) Release(ctx context.Context, slotID int, claimToken string) error {
	const op = "database.postgres.SlotRepository.Release"

	query := `UPDATE instance_slots
		SET reserved = FALSE,
			instance_name = NULL,
			claim_token = NULL,
			last_heartbeat = NULL
		WHERE id = $1 AND claim_token = $2`

	res, err := r.db.ExecContext(ctx, query, slotID, claimToken)
	if err != nil {
		return fmt.Errorf("%s: failed to release slot: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: failed to read affected rows: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, database.ErrSlotNotHeld)
	}

	return nil
}
