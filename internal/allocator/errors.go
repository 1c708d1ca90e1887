package allocator

import (
	"errors"

	"github.com/jbweber/homelab/cidrd/internal/addrset"
	"github.com/jbweber/homelab/cidrd/internal/repository"
)

// Errors returned by the allocator, checked with errors.Is()
var (
	// ErrNoSupernet is returned when no supernet is registered for the requested scope
	ErrNoSupernet = errors.New("no supernets found for this region and environment")

	// ErrAllocationConflict is returned when every attempt lost its candidate to a concurrent writer
	ErrAllocationConflict = errors.New("allocation conflict, retry budget exceeded")

	// ErrInvalidRequest is returned when a request is missing or has malformed fields
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSupernetOverlap is returned when registering a supernet that overlaps a registered one
	ErrSupernetOverlap = errors.New("supernet overlaps a registered supernet")

	// ErrSupernetInUse is returned when deregistering a supernet that still holds allocations
	ErrSupernetInUse = errors.New("supernet still holds allocations")
)

// Re-exported so callers of this package need only one import to classify errors.
var (
	ErrExhausted    = addrset.ErrExhausted
	ErrInvalidRange = addrset.ErrInvalidRange
	ErrNotFound     = repository.ErrNotFound
)
