// Package geo resolves location data for addresses from a static prefix
// table, typically the operator's own sites and known upstreams.
package geo

import (
	"fmt"
	"net/netip"
	"sort"

	"netatlas/internal/domain"
)

// Entry assigns location data to a prefix
type Entry struct {
	Prefix netip.Prefix
	Info   domain.GeoInfo
}

// Table is a longest-prefix-match lookup. It is immutable once built.
type Table struct {
	entries []Entry
}

// NewTable builds a table. Duplicate prefixes are rejected.
func NewTable(entries []Entry) (*Table, error) {
	seen := make(map[netip.Prefix]bool, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Prefix.IsValid() {
			return nil, fmt.Errorf("invalid prefix %q", e.Prefix)
		}
		p := e.Prefix.Masked()
		if seen[p] {
			return nil, fmt.Errorf("duplicate prefix %s", p)
		}
		seen[p] = true
		out = append(out, Entry{Prefix: p, Info: e.Info})
	}
	// most specific first so the first match wins
	sort.SliceStable(out, func(i, j int) bool { return out[i].Prefix.Bits() > out[j].Prefix.Bits() })
	return &Table{entries: out}, nil
}

// Len returns the number of prefixes
func (t *Table) Len() int { return len(t.entries) }

// Resolve returns the most specific entry containing addr
func (t *Table) Resolve(addr netip.Addr) (*domain.GeoInfo, bool) {
	addr = addr.Unmap()
	for _, e := range t.entries {
		if e.Prefix.Contains(addr) {
			info := e.Info
			return &info, true
		}
	}
	return nil, false
}
