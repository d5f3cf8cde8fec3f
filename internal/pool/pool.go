// Package pool implements the per-instance in-memory pool of
// pre-generated short codes. The pool owns a reserved slice of the
// global identifier space and hands out codes without touching the
// database; only refills go through the reservation ledger.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/linkcutter/linkcut/internal/models"
)

// ErrExhausted is returned by Draw when the pool is empty and the refill
// attempt it waited on produced nothing. The condition is transient;
// callers retry with backoff.
var ErrExhausted = errors.New("code pool exhausted")

const (
	reserveMaxRetries      = 5
	reserveInitialInterval = 50 * time.Millisecond
)

// Ledger grants disjoint identifier ranges to competing instances.
type Ledger interface {
	ReserveRange(ctx context.Context, batchSize int64, ownerID int) (*models.ReservationRange, error)
}

// Encoder turns a reserved identifier into its short code.
type Encoder interface {
	Encode(id int64) (string, error)
}

// Pool is the single mutable code store of an instance, guarded by one
// mutex. Draws remove a uniformly random entry in O(1); refills run
// asynchronously so a draw only blocks when the pool is fully empty.
type Pool struct {
	ledger    Ledger
	encoder   Encoder
	logger    *slog.Logger
	ownerID   int
	batchSize int64
	lowWater  int

	mu       sync.Mutex
	entries  []models.PoolEntry
	filling  bool
	fillDone chan struct{}

	totalDrawn   int64
	totalRefills int64
}

// Stats is a snapshot of pool counters for monitoring.
type Stats struct {
	Size         int   `json:"size"`
	LowWater     int   `json:"low_water"`
	BatchSize    int64 `json:"batch_size"`
	TotalDrawn   int64 `json:"total_drawn"`
	TotalRefills int64 `json:"total_refills"`
	Filling      bool  `json:"filling"`
}

// New creates a pool that reserves batchSize identifiers per refill on
// behalf of ownerID and starts an asynchronous refill whenever a draw
// leaves at most lowWater entries behind.
func New(ledger Ledger, encoder Encoder, logger *slog.Logger, ownerID int, batchSize int64, lowWater int) *Pool {
	return &Pool{
		ledger:    ledger,
		encoder:   encoder,
		logger:    logger,
		ownerID:   ownerID,
		batchSize: batchSize,
		lowWater:  lowWater,
	}
}

// Warm performs the initial synchronous fill. Called once at startup so
// the first requests never hit an empty pool.
func (p *Pool) Warm(ctx context.Context) error {
	const op = "pool.Pool.Warm"

	if err := p.fill(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Draw removes one random entry from the pool and transfers ownership of
// it to the caller. The entry is gone from the pool no matter what the
// caller does with it afterwards. When the pool is empty, Draw blocks
// until the in-flight refill attempt completes and fails with
// ErrExhausted if that attempt produced nothing.
func (p *Pool) Draw(ctx context.Context) (models.PoolEntry, error) {
	const op = "pool.Pool.Draw"

	for {
		p.mu.Lock()
		if len(p.entries) > 0 {
			entry := p.removeRandomLocked()
			if len(p.entries) <= p.lowWater && !p.filling {
				p.startRefillLocked(ctx)
			}
			p.mu.Unlock()
			return entry, nil
		}

		if !p.filling {
			p.startRefillLocked(ctx)
		}
		done := p.fillDone
		p.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return models.PoolEntry{}, fmt.Errorf("%s: %w", op, ctx.Err())
		}

		p.mu.Lock()
		refilled := len(p.entries) > 0
		p.mu.Unlock()

		if !refilled {
			return models.PoolEntry{}, fmt.Errorf("%s: %w", op, ErrExhausted)
		}
	}
}

// Size returns the number of entries currently held.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Size:         len(p.entries),
		LowWater:     p.lowWater,
		BatchSize:    p.batchSize,
		TotalDrawn:   p.totalDrawn,
		TotalRefills: p.totalRefills,
		Filling:      p.filling,
	}
}

// removeRandomLocked swaps a random entry to the end and pops it.
// Issued codes must not follow reservation order.
func (p *Pool) removeRandomLocked() models.PoolEntry {
	i := rand.Intn(len(p.entries))
	last := len(p.entries) - 1
	p.entries[i], p.entries[last] = p.entries[last], p.entries[i]

	entry := p.entries[last]
	p.entries = p.entries[:last]
	p.totalDrawn++

	return entry
}

// startRefillLocked launches one refill goroutine. The refill is
// detached from the triggering draw's context: other draws may be
// waiting on the same attempt.
func (p *Pool) startRefillLocked(ctx context.Context) {
	p.filling = true
	p.fillDone = make(chan struct{})

	done := p.fillDone
	go p.refill(context.WithoutCancel(ctx), done)
}

func (p *Pool) refill(ctx context.Context, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.filling = false
		p.mu.Unlock()
		close(done)
	}()

	if err := p.fill(ctx); err != nil {
		p.logger.Error("code pool refill failed",
			slog.Int("owner_id", p.ownerID),
			slog.Any("err", err),
		)
	}
}

// fill reserves one batch and appends the encoded entries.
func (p *Pool) fill(ctx context.Context) error {
	const op = "pool.Pool.fill"

	rng, err := p.reserve(ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to reserve batch: %w", op, err)
	}

	entries := make([]models.PoolEntry, 0, rng.Size())
	for id := rng.StartID; id < rng.EndID; id++ {
		code, err := p.encoder.Encode(id)
		if err != nil {
			return fmt.Errorf("%s: failed to encode identifier %d: %w", op, id, err)
		}
		entries = append(entries, models.PoolEntry{ID: id, Code: code})
	}

	p.mu.Lock()
	p.entries = append(p.entries, entries...)
	p.totalRefills++
	size := len(p.entries)
	p.mu.Unlock()

	p.logger.Info("code pool refilled",
		slog.Int("owner_id", p.ownerID),
		slog.Int64("start_id", rng.StartID),
		slog.Int64("end_id", rng.EndID),
		slog.Int("size", size),
	)

	return nil
}

// reserve asks the ledger for the next range, retrying transient store
// failures with bounded exponential backoff.
func (p *Pool) reserve(ctx context.Context) (*models.ReservationRange, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reserveInitialInterval

	var rng *models.ReservationRange
	operation := func() error {
		var err error
		rng, err = p.ledger.ReserveRange(ctx, p.batchSize, p.ownerID)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, reserveMaxRetries), ctx))
	if err != nil {
		return nil, err
	}

	return rng, nil
}
