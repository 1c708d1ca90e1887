package domain

import (
	"cmp"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Supernet represents a registered address pool for a region and environment
type Supernet struct {
	CIDR        string    `json:"cidr"`                  // Pool in CIDR notation (e.g., "10.0.0.0/16")
	Region      string    `json:"region"`                // Region the pool serves
	Environment string    `json:"environment"`           // Environment the pool serves
	Description string    `json:"description,omitempty"` // Optional description
	CreatedAt   time.Time `json:"createdAt"`             // When the pool was registered
}

// Prefix parses the supernet CIDR.
func (s Supernet) Prefix() (netip.Prefix, error) {
	return ParsePrefix(s.CIDR)
}

// Owner carries the caller supplied metadata recorded with an allocation
type Owner struct {
	AccountID     int64  // Account the subnet is allocated to
	Requestor     string // Who asked for the subnet
	Reason        string // Why the subnet was requested
	ProjectCode   string // Optional project/billing code
	CorrelationID string // Optional id (e.g. a stack id) used for bulk release
}

// Allocation represents a single subnet carved out of a supernet
type Allocation struct {
	CIDR               string    `json:"cidr"`                  // Allocated subnet, primary key
	AccountID          int64     `json:"accountId"`             // Owning account
	Requestor          string    `json:"requestor"`             // Who requested it
	Reason             string    `json:"reason"`                // Why it was requested
	Region             string    `json:"region"`                // Region scope
	Environment        string    `json:"environment"`           // Environment scope
	ProjectCode        string    `json:"projectCode,omitempty"` // Optional project code
	CorrelationID      string    `json:"stackId,omitempty"`     // Optional correlation (stack) id
	AttachedResourceID string    `json:"resourceId,omitempty"`  // Optional attached resource (e.g. VPC id)
	CreatedAt          time.Time `json:"createdAt"`             // When the allocation was committed
}

// Prefix parses the allocation CIDR.
func (a Allocation) Prefix() (netip.Prefix, error) {
	return ParsePrefix(a.CIDR)
}

// ParsePrefix parses a CIDR string and requires the host bits to be zero.
func ParsePrefix(cidr string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	if p.Masked() != p {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: host bits must be zero (did you mean %s?)", cidr, p.Masked())
	}
	return p, nil
}

// CompareCIDR orders CIDR strings by network address, then by prefix length,
// so 10.0.0.16/28 sorts before 10.0.0.128/28. Strings that don't parse sort
// after valid ones, lexically among themselves.
func CompareCIDR(a, b string) int {
	pa, errA := netip.ParsePrefix(a)
	pb, errB := netip.ParsePrefix(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	}
	if c := pa.Addr().Compare(pb.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(pa.Bits(), pb.Bits())
}
