package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/linkcutter/linkcut/internal/models"
)

type reservationRecord struct {
	ID         int64     `db:"id"`
	StartID    int64     `db:"start_id"`
	EndID      int64     `db:"end_id"`
	OwnerID    int       `db:"owner_id"`
	ReservedAt time.Time `db:"reserved_at"`
}

func (r *reservationRecord) ToRange() *models.ReservationRange {
	return &models.ReservationRange{
		ID:         r.ID,
		StartID:    r.StartID,
		EndID:      r.EndID,
		OwnerID:    r.OwnerID,
		ReservedAt: r.ReservedAt,
	}
}

// ReservationLedger is the append-only record of identifier ranges
// handed out to instances. Range allocation is serialized through a
// table lock so concurrent reservations can never overlap.
type ReservationLedger struct {
	db *sqlx.DB
}

func NewReservationLedger(db *sqlx.DB) *ReservationLedger {
	return &ReservationLedger{
		db: db,
	}
}

// ReserveRange carves the next half-open identifier range [start, start+batchSize)
// for the given owner. The read of the current maximum end_id and the
// insert of the new row happen under one table lock in one transaction;
// splitting them would reintroduce the read-then-insert race this method
// exists to prevent. Any returned error is transient from the caller's
// point of view and safe to retry.
func (l *ReservationLedger) ReserveRange(ctx context.Context, batchSize int64, ownerID int) (*models.ReservationRange, error) {
	const op = "database.postgres.ReservationLedger.ReserveRange"

	if batchSize < 1 {
		return nil, fmt.Errorf("%s: batch size must be positive, got %d", op, batchSize)
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}
	defer tx.Rollback()

	// SHARE ROW EXCLUSIVE blocks other reservers but not readers.
	if _, err := tx.ExecContext(ctx, `LOCK TABLE code_reservations IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, fmt.Errorf("%s: failed to lock ledger table: %w", op, err)
	}

	var maxEndID int64
	if err := tx.GetContext(ctx, &maxEndID, `SELECT COALESCE(MAX(end_id), 0) FROM code_reservations`); err != nil {
		return nil, fmt.Errorf("%s: failed to read ledger maximum: %w", op, err)
	}

	rec := new(reservationRecord)
	query := `INSERT INTO code_reservations(start_id, end_id, owner_id)
		VALUES ($1, $2, $3)
		RETURNING *`

	if err := tx.GetContext(ctx, rec, query, maxEndID, maxEndID+batchSize, ownerID); err != nil {
		return nil, fmt.Errorf("%s: failed to insert reservation: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: failed to commit reservation: %w", op, err)
	}

	return rec.ToRange(), nil
}
