// Package oui resolves MAC address prefixes to hardware vendor names using an
// embedded IEEE OUI table.
package oui

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed oui.yaml
var tableData []byte

type tableFile struct {
	Version int               `yaml:"version"`
	Vendors map[string]string `yaml:"vendors"`
}

// Table maps normalized 24-bit prefixes to vendor names
type Table struct {
	vendors map[string]string
}

// Parse decodes an OUI table in the embedded YAML format. Keys may use any
// common MAC separator and case.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse oui table: %w", err)
	}
	t := &Table{vendors: make(map[string]string, len(f.Vendors))}
	for k, v := range f.Vendors {
		prefix, ok := normalize(k, 6)
		if !ok {
			return nil, fmt.Errorf("parse oui table: bad prefix %q", k)
		}
		t.vendors[prefix] = v
	}
	return t, nil
}

// Lookup returns the vendor for a MAC address
func (t *Table) Lookup(mac string) (string, bool) {
	prefix, ok := normalize(mac, 12)
	if !ok {
		return "", false
	}
	v, ok := t.vendors[prefix[:6]]
	return v, ok
}

// Len returns the number of prefixes in the table
func (t *Table) Len() int { return len(t.vendors) }

var defaultTable = sync.OnceValue(func() *Table {
	t, err := Parse(tableData)
	if err != nil {
		// embedded data is validated by tests; an empty table keeps lookups safe
		return &Table{vendors: map[string]string{}}
	}
	return t
})

// Default returns the process-wide table, loaded on first use
func Default() *Table { return defaultTable() }

// LookupVendor resolves a MAC address ("00:03:93:12:34:56", "00-03-93-...",
// "0003.9312.3456") against the embedded table. Unknown or malformed input
// returns false.
func LookupVendor(mac string) (string, bool) {
	return Default().Lookup(mac)
}

// NormalizeMAC returns the canonical lower-case colon form of a MAC address
func NormalizeMAC(mac string) (string, bool) {
	hex, ok := normalize(mac, 12)
	if !ok {
		return "", false
	}
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strings.ToLower(hex[i : i+2]))
	}
	return b.String(), true
}

// normalize strips separators and upper-cases s, requiring exactly want hex digits
func normalize(s string, want int) (string, bool) {
	out := make([]byte, 0, want)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ':' || c == '-' || c == '.':
			continue
		case c >= '0' && c <= '9', c >= 'A' && c <= 'F':
		case c >= 'a' && c <= 'f':
			c -= 'a' - 'A'
		default:
			return "", false
		}
		if len(out) == want {
			return "", false
		}
		out = append(out, c)
	}
	if len(out) != want {
		return "", false
	}
	return string(out), true
}
