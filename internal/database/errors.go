package database

import "errors"

var (
	// ErrShortCodeExists is returned when an attempt is made to materialize
	// a short code that already has a persisted record.
	ErrShortCodeExists = errors.New("short code exists")
	// ErrURLNotFound is returned when an attempt is made to retrieve
	// a URL using a short code that doesn't exist.
	ErrURLNotFound = errors.New("url not found")
	// ErrNoAvailableSlot is returned when every instance slot is claimed
	// by a live instance. This is a hard capacity limit.
	ErrNoAvailableSlot = errors.New("no available instance slot")
	// ErrSlotNotHeld is returned when a heartbeat or release carries a
	// claim token that no longer matches the slot, i.e. the slot was
	// reclaimed from this holder in the meantime.
	ErrSlotNotHeld = errors.New("instance slot not held")
)
