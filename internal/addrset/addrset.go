// Package addrset provides the address set arithmetic used to carve subnets
// out of registered pools.
package addrset

import (
	"errors"
	"fmt"
	"iter"
	"math/big"
	"net/netip"
	"slices"

	"go4.org/netipx"
)

var (
	// ErrInvalidRange is returned when a range being removed is not part of the set
	ErrInvalidRange = errors.New("range is not part of the address set")

	// ErrExhausted is returned when no free range can hold a subnet of the requested size
	ErrExhausted = errors.New("no available subnets")
)

// Set is an immutable set of IP addresses kept as canonical, non-overlapping
// ranges ordered by network address.
type Set struct {
	ipset *netipx.IPSet
}

// FromRanges builds a normalized set from prefixes. Overlapping and adjacent
// prefixes are merged.
func FromRanges(prefixes []netip.Prefix) (*Set, error) {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid prefix %s", p)
		}
		b.AddPrefix(p.Masked())
	}
	ipset, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("failed to build address set: %w", err)
	}
	return &Set{ipset: ipset}, nil
}

// Subtract returns a new set without the given prefixes. Every prefix must be
// fully inside the receiver and the prefixes must not overlap one another,
// otherwise an error wrapping ErrInvalidRange is returned.
func (s *Set) Subtract(used []netip.Prefix) (*Set, error) {
	var b netipx.IPSetBuilder
	b.AddSet(s.ipset)

	for _, p := range used {
		if !p.IsValid() || !s.ipset.ContainsPrefix(p) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRange, p)
		}
		b.RemovePrefix(p)
	}
	if err := checkDisjoint(used); err != nil {
		return nil, err
	}

	ipset, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("failed to build address set: %w", err)
	}
	return &Set{ipset: ipset}, nil
}

// checkDisjoint reports the first pair of overlapping prefixes. Once sorted by
// address then length, any overlap shows up between neighbours.
func checkDisjoint(prefixes []netip.Prefix) error {
	sorted := slices.Clone(prefixes)
	slices.SortFunc(sorted, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Overlaps(sorted[i]) {
			return fmt.Errorf("%w: %s overlaps %s", ErrInvalidRange, sorted[i], sorted[i-1])
		}
	}
	return nil
}

// Union returns a new set holding the addresses of both sets.
func (s *Set) Union(other *Set) (*Set, error) {
	var b netipx.IPSetBuilder
	b.AddSet(s.ipset)
	if other != nil {
		b.AddSet(other.ipset)
	}
	ipset, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("failed to build address set: %w", err)
	}
	return &Set{ipset: ipset}, nil
}

// TotalAddressCount returns the number of addresses in the set.
func (s *Set) TotalAddressCount() *big.Int {
	total := new(big.Int)
	for _, r := range s.ipset.Ranges() {
		total.Add(total, rangeSize(r))
	}
	return total
}

func rangeSize(r netipx.IPRange) *big.Int {
	from, to := r.From().As16(), r.To().As16()
	n := new(big.Int).SetBytes(to[:])
	n.Sub(n, new(big.Int).SetBytes(from[:]))
	return n.Add(n, big.NewInt(1))
}

// Ranges yields the canonical ranges of the set in ascending order. Each call
// starts a fresh iteration.
func (s *Set) Ranges() iter.Seq[netipx.IPRange] {
	return func(yield func(netipx.IPRange) bool) {
		for _, r := range s.ipset.Ranges() {
			if !yield(r) {
				return
			}
		}
	}
}

// Prefixes yields the minimal CIDR decomposition of the set in ascending
// address order. Each call starts a fresh iteration.
func (s *Set) Prefixes() iter.Seq[netip.Prefix] {
	return func(yield func(netip.Prefix) bool) {
		for r := range s.Ranges() {
			for _, p := range r.Prefixes() {
				if !yield(p) {
					return
				}
			}
		}
	}
}

// FirstSubnetOfSize returns the lowest aligned subnet with the given prefix
// length that fits entirely inside the set (first fit).
func (s *Set) FirstSubnetOfSize(bits int) (netip.Prefix, error) {
	for p := range s.Prefixes() {
		if bits < p.Bits() || bits > p.Addr().BitLen() {
			continue
		}
		// p is aligned on a boundary at least as coarse as bits, so its
		// first address starts a valid subnet.
		return netip.PrefixFrom(p.Addr(), bits), nil
	}
	return netip.Prefix{}, fmt.Errorf("%w: no free /%d", ErrExhausted, bits)
}

// Contains reports whether every address of p is in the set.
func (s *Set) Contains(p netip.Prefix) bool {
	return s.ipset.ContainsPrefix(p)
}
