package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/linkcutter/linkcut/internal/database"
	"github.com/linkcutter/linkcut/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var errUnknown = errors.New("unknown error")

type MockSlotStore struct {
	mock.Mock
}

func (s *MockSlotStore) EnsureSlots(ctx context.Context, maxSlots int) error {
	args := s.Called(ctx, maxSlots)
	return args.Error(0)
}

func (s *MockSlotStore) Claim(ctx context.Context, instanceName, claimToken string, staleBefore time.Time) (*models.InstanceSlot, error) {
	args := s.Called(ctx, instanceName, claimToken, staleBefore)
	slot, _ := args.Get(0).(*models.InstanceSlot)
	return slot, args.Error(1)
}

func (s *MockSlotStore) Heartbeat(ctx context.Context, slotID int, claimToken string) error {
	args := s.Called(ctx, slotID, claimToken)
	return args.Error(0)
}

func (s *MockSlotStore) Release(ctx context.Context, slotID int, claimToken string) error {
	args := s.Called(ctx, slotID, claimToken)
	return args.Error(0)
}

func newTestRegistry(store SlotStore) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger, 100, 10*time.Millisecond, time.Minute)
}

func TestRegistry_Claim(t *testing.T) {
	t.Run("slot pool initialization fails", func(t *testing.T) {
		store := new(MockSlotStore)
		store.On("EnsureSlots", mock.Anything, 100).Return(errUnknown).Once()

		r := newTestRegistry(store)
		slot, err := r.Claim(context.TODO(), "api-1")

		assert.Error(t, err)
		assert.ErrorIs(t, err, errUnknown)
		assert.Nil(t, slot)
		store.AssertExpectations(t)
	})

	t.Run("no available slot", func(t *testing.T) {
		store := new(MockSlotStore)
		store.On("EnsureSlots", mock.Anything, 100).Return(nil).Once()
		store.On("Claim", mock.Anything, "api-1", mock.Anything, mock.Anything).
			Return(nil, database.ErrNoAvailableSlot).Once()

		r := newTestRegistry(store)
		slot, err := r.Claim(context.TODO(), "api-1")

		assert.Error(t, err)
		assert.ErrorIs(t, err, database.ErrNoAvailableSlot)
		assert.Nil(t, slot)
		store.AssertExpectations(t)
	})

	t.Run("success", func(t *testing.T) {
		store := new(MockSlotStore)
		store.On("EnsureSlots", mock.Anything, 100).Return(nil).Once()
		store.On("Claim", mock.Anything, "api-1", mock.Anything, mock.Anything).
			Return(&models.InstanceSlot{ID: 7, Reserved: true}, nil).Once()

		r := newTestRegistry(store)
		slot, err := r.Claim(context.TODO(), "api-1")

		assert.NoError(t, err)
		assert.NotNil(t, slot)
		assert.Equal(t, 7, slot.ID)
		assert.Equal(t, 7, r.SlotID())
		store.AssertExpectations(t)
	})
}

func TestRegistry_Run(t *testing.T) {
	t.Run("without prior claim", func(t *testing.T) {
		r := newTestRegistry(new(MockSlotStore))

		err := r.Run(context.TODO())

		assert.Error(t, err)
	})

	t.Run("heartbeats until cancelled, then releases", func(t *testing.T) {
		store := new(MockSlotStore)
		store.On("EnsureSlots", mock.Anything, 100).Return(nil).Once()
		store.On("Claim", mock.Anything, "api-1", mock.Anything, mock.Anything).
			Return(&models.InstanceSlot{ID: 3, Reserved: true}, nil).Once()

		heartbeats := make(chan struct{}, 16)
		store.On("Heartbeat", mock.Anything, 3, mock.Anything).
			Run(func(mock.Arguments) { heartbeats <- struct{}{} }).
			Return(nil)
		store.On("Release", mock.Anything, 3, mock.Anything).Return(nil).Once()

		r := newTestRegistry(store)
		if _, err := r.Claim(context.TODO(), "api-1"); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- r.Run(ctx)
		}()

		select {
		case <-heartbeats:
		case <-time.After(time.Second):
			t.Fatal("no heartbeat observed")
		}

		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("run did not stop after cancellation")
		}

		store.AssertCalled(t, "Release", mock.Anything, 3, mock.Anything)
	})

	t.Run("stops when slot is reclaimed", func(t *testing.T) {
		store := new(MockSlotStore)
		store.On("EnsureSlots", mock.Anything, 100).Return(nil).Once()
		store.On("Claim", mock.Anything, "api-1", mock.Anything, mock.Anything).
			Return(&models.InstanceSlot{ID: 3, Reserved: true}, nil).Once()
		store.On("Heartbeat", mock.Anything, 3, mock.Anything).
			Return(database.ErrSlotNotHeld)

		r := newTestRegistry(store)
		if _, err := r.Claim(context.TODO(), "api-1"); err != nil {
			t.Fatal(err)
		}

		done := make(chan error, 1)
		go func() {
			done <- r.Run(context.Background())
		}()

		select {
		case err := <-done:
			assert.Error(t, err)
			assert.ErrorIs(t, err, database.ErrSlotNotHeld)
		case <-time.After(time.Second):
			t.Fatal("run did not stop after losing the slot")
		}
	})

	t.Run("keeps going through transient heartbeat failures", func(t *testing.T) {
		store := new(MockSlotStore)
		store.On("EnsureSlots", mock.Anything, 100).Return(nil).Once()
		store.On("Claim", mock.Anything, "api-1", mock.Anything, mock.Anything).
			Return(&models.InstanceSlot{ID: 3, Reserved: true}, nil).Once()

		calls := make(chan struct{}, 16)
		store.On("Heartbeat", mock.Anything, 3, mock.Anything).
			Run(func(mock.Arguments) { calls <- struct{}{} }).
			Return(errUnknown)
		store.On("Release", mock.Anything, 3, mock.Anything).Return(nil).Once()

		r := newTestRegistry(store)
		if _, err := r.Claim(context.TODO(), "api-1"); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- r.Run(ctx)
		}()

		// Two failed heartbeats must not stop the loop.
		for i := 0; i < 2; i++ {
			select {
			case <-calls:
			case <-time.After(time.Second):
				t.Fatal("heartbeat loop stalled")
			}
		}

		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("run did not stop after cancellation")
		}
	})
}
