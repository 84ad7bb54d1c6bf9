package domain

import (
	"fmt"
	"time"
)

// ConnectionType describes how a link was inferred. The ordering is
// significant: a link is only ever upgraded to a stronger type.
type ConnectionType int

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionInferred
	ConnectionTracerouteHop
	ConnectionLocalSubnet
	ConnectionManual
)

var connectionNames = [...]string{
	ConnectionUnknown:       "unknown",
	ConnectionInferred:      "inferred",
	ConnectionTracerouteHop: "traceroute_hop",
	ConnectionLocalSubnet:   "local_subnet",
	ConnectionManual:        "manual",
}

func (c ConnectionType) String() string {
	if c < 0 || int(c) >= len(connectionNames) {
		return "unknown"
	}
	return connectionNames[c]
}

// ParseConnectionType is the inverse of String
func ParseConnectionType(s string) (ConnectionType, error) {
	for i, name := range connectionNames {
		if name == s {
			return ConnectionType(i), nil
		}
	}
	return ConnectionUnknown, fmt.Errorf("unknown connection type %q", s)
}

func (c ConnectionType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ConnectionType) UnmarshalText(b []byte) error {
	parsed, err := ParseConnectionType(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// EdgeData describes the link between two nodes. Optional metrics are
// pointers so "not measured" is distinct from zero.
type EdgeData struct {
	Type              ConnectionType `json:"type" yaml:"type"`
	LatencyMs         *float64       `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	HopCount          *int           `json:"hop_count,omitempty" yaml:"hop_count,omitempty"`
	BandwidthEstimate *float64       `json:"bandwidth_estimate,omitempty" yaml:"bandwidth_estimate,omitempty"`
	// Upstream is the endpoint closer to the observer, when known
	Upstream  NodeID    `json:"upstream,omitzero" yaml:"upstream,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Float64 returns a pointer to v
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }

// Clone returns a deep copy
func (e EdgeData) Clone() EdgeData {
	out := e
	if e.LatencyMs != nil {
		out.LatencyMs = Float64(*e.LatencyMs)
	}
	if e.HopCount != nil {
		out.HopCount = Int(*e.HopCount)
	}
	if e.BandwidthEstimate != nil {
		out.BandwidthEstimate = Float64(*e.BandwidthEstimate)
	}
	return out
}

// Merge folds a new observation of the same link into e. The connection type
// never downgrades. Measurements from an observation at least as recent as
// the stored one replace it; older ones only fill gaps. A zero UpdatedAt on
// the incoming data counts as current.
func (e *EdgeData) Merge(next EdgeData) {
	if next.Type > e.Type {
		e.Type = next.Type
	}
	fresh := next.UpdatedAt.IsZero() || !next.UpdatedAt.Before(e.UpdatedAt)

	if next.LatencyMs != nil && (fresh || e.LatencyMs == nil) {
		e.LatencyMs = Float64(*next.LatencyMs)
	}
	if next.HopCount != nil && (fresh || e.HopCount == nil) {
		e.HopCount = Int(*next.HopCount)
	}
	if next.BandwidthEstimate != nil && (fresh || e.BandwidthEstimate == nil) {
		e.BandwidthEstimate = Float64(*next.BandwidthEstimate)
	}
	if next.Upstream.IsValid() && (fresh || !e.Upstream.IsValid()) {
		e.Upstream = next.Upstream
	}
	if next.UpdatedAt.After(e.UpdatedAt) {
		e.UpdatedAt = next.UpdatedAt
	}
}

// Edge is an edge with its endpoints, as returned by graph traversal.
// A is always the lower address of the pair.
type Edge struct {
	A    NodeID   `json:"a" yaml:"a"`
	B    NodeID   `json:"b" yaml:"b"`
	Data EdgeData `json:"data" yaml:"data"`
}

// Other returns the endpoint opposite id
func (e Edge) Other(id NodeID) NodeID {
	if e.A == id {
		return e.B
	}
	return e.A
}
