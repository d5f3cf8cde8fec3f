package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/linkcutter/linkcut/internal/codec"
	"github.com/linkcutter/linkcut/internal/models"
	"github.com/stretchr/testify/assert"
)

var errLedgerDown = errors.New("ledger down")

// fakeLedger hands out sequential disjoint ranges under a mutex, the
// same total order a locking transaction provides.
type fakeLedger struct {
	mu      sync.Mutex
	nextID  int64
	err     error
	granted []models.ReservationRange
}

func (l *fakeLedger) ReserveRange(_ context.Context, batchSize int64, ownerID int) (*models.ReservationRange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return nil, l.err
	}

	rng := models.ReservationRange{
		StartID:    l.nextID,
		EndID:      l.nextID + batchSize,
		OwnerID:    ownerID,
		ReservedAt: time.Now(),
	}
	l.nextID = rng.EndID
	l.granted = append(l.granted, rng)

	return &rng, nil
}

func (l *fakeLedger) grantedRanges() []models.ReservationRange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ReservationRange(nil), l.granted...)
}

func newTestCodec(t testing.TB) *codec.Codec {
	t.Helper()

	c, err := codec.New(codec.Base62Alphabet, 7)
	if err != nil {
		t.Fatal(err)
	}

	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPool_Warm(t *testing.T) {
	t.Run("ledger failure", func(t *testing.T) {
		ledger := &fakeLedger{err: errLedgerDown}
		p := New(ledger, newTestCodec(t), discardLogger(), 1, 5, 0)

		err := p.Warm(context.TODO())

		assert.Error(t, err)
		assert.ErrorIs(t, err, errLedgerDown)
		assert.Zero(t, p.Size())
	})

	t.Run("success", func(t *testing.T) {
		ledger := &fakeLedger{}
		p := New(ledger, newTestCodec(t), discardLogger(), 1, 5, 0)

		err := p.Warm(context.TODO())

		assert.NoError(t, err)
		assert.Equal(t, 5, p.Size())
	})
}

func TestPool_Draw(t *testing.T) {
	t.Run("distinct codes within the reserved range", func(t *testing.T) {
		ledger := &fakeLedger{}
		c := newTestCodec(t)
		p := New(ledger, c, discardLogger(), 1, 5, 0)

		if err := p.Warm(context.TODO()); err != nil {
			t.Fatal(err)
		}

		seen := make(map[string]struct{})
		for i := 0; i < 5; i++ {
			entry, err := p.Draw(context.TODO())

			assert.NoError(t, err)
			assert.NotContains(t, seen, entry.Code)
			seen[entry.Code] = struct{}{}

			id, err := c.Decode(entry.Code)
			assert.NoError(t, err)
			assert.Equal(t, entry.ID, id)
			assert.GreaterOrEqual(t, id, int64(0))
			assert.Less(t, id, int64(5))
		}
	})

	t.Run("draw on empty pool triggers next batch", func(t *testing.T) {
		ledger := &fakeLedger{}
		p := New(ledger, newTestCodec(t), discardLogger(), 1, 5, 0)

		if err := p.Warm(context.TODO()); err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 5; i++ {
			if _, err := p.Draw(context.TODO()); err != nil {
				t.Fatal(err)
			}
		}

		entry, err := p.Draw(context.TODO())

		assert.NoError(t, err)
		assert.GreaterOrEqual(t, entry.ID, int64(5))
		assert.Less(t, entry.ID, int64(10))

		granted := ledger.grantedRanges()
		assert.Len(t, granted, 2)
		assert.Equal(t, int64(5), granted[1].StartID)
		assert.Equal(t, int64(10), granted[1].EndID)
	})

	t.Run("exhausted when refill fails", func(t *testing.T) {
		ledger := &fakeLedger{err: errLedgerDown}
		p := New(ledger, newTestCodec(t), discardLogger(), 1, 5, 0)

		entry, err := p.Draw(context.TODO())

		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrExhausted)
		assert.Empty(t, entry.Code)
	})

	t.Run("cancelled while waiting for refill", func(t *testing.T) {
		ledger := &fakeLedger{err: errLedgerDown}
		p := New(ledger, newTestCodec(t), discardLogger(), 1, 5, 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		entry, err := p.Draw(ctx)

		assert.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, entry.Code)
	})

	t.Run("concurrent draws never hand out a code twice", func(t *testing.T) {
		ledger := &fakeLedger{}
		p := New(ledger, newTestCodec(t), discardLogger(), 1, 64, 0)

		if err := p.Warm(context.TODO()); err != nil {
			t.Fatal(err)
		}

		const drawers = 8
		const perDrawer = 8

		var mu sync.Mutex
		drawn := make(map[string]int)

		var wg sync.WaitGroup
		for i := 0; i < drawers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perDrawer; j++ {
					entry, err := p.Draw(context.TODO())
					if err != nil {
						t.Error(err)
						return
					}
					mu.Lock()
					drawn[entry.Code]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, drawn, drawers*perDrawer)
		for code, n := range drawn {
			assert.Equalf(t, 1, n, "code %s drawn %d times", code, n)
		}
	})
}

func TestPool_TwoInstances(t *testing.T) {
	// Two instances starting against an empty ledger must end up with
	// [0,10) and [10,20) in some order, never overlapping.
	ledger := &fakeLedger{}
	c := newTestCodec(t)

	poolA := New(ledger, c, discardLogger(), 1, 10, 0)
	poolB := New(ledger, c, discardLogger(), 2, 10, 0)

	var wg sync.WaitGroup
	for _, p := range []*Pool{poolA, poolB} {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			if err := p.Warm(context.TODO()); err != nil {
				t.Error(err)
			}
		}(p)
	}
	wg.Wait()

	granted := ledger.grantedRanges()
	assert.Len(t, granted, 2)

	sort.Slice(granted, func(i, j int) bool {
		return granted[i].StartID < granted[j].StartID
	})

	assert.Equal(t, int64(0), granted[0].StartID)
	assert.Equal(t, int64(10), granted[0].EndID)
	assert.Equal(t, int64(10), granted[1].StartID)
	assert.Equal(t, int64(20), granted[1].EndID)

	// No code may ever be drawn twice across instances.
	seen := make(map[string]struct{})
	for _, p := range []*Pool{poolA, poolB} {
		for i := 0; i < 10; i++ {
			entry, err := p.Draw(context.TODO())

			assert.NoError(t, err)
			assert.NotContains(t, seen, entry.Code)
			seen[entry.Code] = struct{}{}
		}
	}
	assert.Len(t, seen, 20)
}

func TestPool_Stats(t *testing.T) {
	ledger := &fakeLedger{}
	p := New(ledger, newTestCodec(t), discardLogger(), 3, 5, 1)

	if err := p.Warm(context.TODO()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Draw(context.TODO()); err != nil {
		t.Fatal(err)
	}

	stats := p.Stats()

	assert.Equal(t, 4, stats.Size)
	assert.Equal(t, 1, stats.LowWater)
	assert.Equal(t, int64(5), stats.BatchSize)
	assert.Equal(t, int64(1), stats.TotalDrawn)
	assert.Equal(t, int64(1), stats.TotalRefills)
}
