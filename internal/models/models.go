package models

import "time"

// URL represents a shortened URL and its associated metadata.
type URL struct {
	// ID is the numeric identifier the short code was derived from.
	ID int64
	// ShortCode is the fixed-length code associated with the original URL.
	ShortCode string
	// OriginalURL is the original, full-length URL that the short code points to.
	OriginalURL string
	// VisitCount tracks the number of times the shortened URL has been accessed.
	VisitCount int64
	// CreatedAt is the timestamp indicating when the shortened URL was created.
	CreatedAt time.Time
	// UpdatedAt is the timestamp indicating when the shortened URL was last updated.
	UpdatedAt time.Time
}

// ReservationRange is an immutable ledger entry granting its owner the
// half-open identifier interval [StartID, EndID).
type ReservationRange struct {
	ID         int64
	StartID    int64
	EndID      int64
	OwnerID    int
	ReservedAt time.Time
}

// Size returns the number of identifiers covered by the range.
func (r *ReservationRange) Size() int64 {
	return r.EndID - r.StartID
}

// InstanceSlot is one entry of the bounded instance identity pool.
// At most one live process holds a slot at a time; the claim token
// guards heartbeat and release against a previous holder.
type InstanceSlot struct {
	ID            int
	InstanceName  string
	Reserved      bool
	ClaimToken    string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// PoolEntry is a pre-generated, not yet materialized (identifier, code)
// pair. It exists only in the owning instance's memory and is gone the
// moment it is drawn.
type PoolEntry struct {
	ID   int64
	Code string
}
