// Package stats aggregates a topology graph into summary counts.
package stats

import (
	"maps"
	"sync"
	"time"

	"netatlas/internal/classifier"
	"netatlas/internal/domain"
	"netatlas/internal/graph"
)

// TopologyStats is a graph-wide summary. It is derived on demand and never
// persisted.
type TopologyStats struct {
	NodeCount     int                       `json:"node_count" yaml:"node_count"`
	EdgeCount     int                       `json:"edge_count" yaml:"edge_count"`
	ByType        map[domain.DeviceType]int `json:"by_type" yaml:"by_type"`
	RouterCount   int                       `json:"router_count" yaml:"router_count"`
	ServerCount   int                       `json:"server_count" yaml:"server_count"`
	IoTCount      int                       `json:"iot_count" yaml:"iot_count"`
	FirewallCount int                       `json:"firewall_count" yaml:"firewall_count"`
	UnknownCount  int                       `json:"unknown_count" yaml:"unknown_count"`
	OtherCount    int                       `json:"other_count" yaml:"other_count"`

	// AverageLatencyMs is averaged over edges that carry a latency. It is
	// zero when LatencyEdges is zero.
	AverageLatencyMs float64 `json:"average_latency_ms" yaml:"average_latency_ms"`
	LatencyEdges     int     `json:"latency_edges" yaml:"latency_edges"`

	// HighestRisk is the first node seen with the maximum score. It is the
	// zero NodeID for an empty graph.
	HighestRisk      domain.NodeID `json:"highest_risk,omitzero" yaml:"highest_risk,omitempty"`
	HighestRiskScore int           `json:"highest_risk_score" yaml:"highest_risk_score"`
	HighRiskCount    int           `json:"high_risk_count" yaml:"high_risk_count"`

	LastSeen time.Time `json:"last_seen,omitzero" yaml:"last_seen,omitempty"`
	Version  uint64    `json:"version" yaml:"version"`
}

// HighRiskScore is the score at or above which a node counts as high risk
const HighRiskScore = 70

// FromGraph computes stats in one pass over nodes and one over edges
func FromGraph(v graph.View) TopologyStats {
	s := TopologyStats{
		ByType:  make(map[domain.DeviceType]int),
		Version: v.Version(),
	}

	first := true
	v.RangeNodes(func(n domain.NodeData) bool {
		s.NodeCount++
		dt := n.DeviceType
		if dt == "" {
			dt = domain.DeviceTypeUnknown
		}
		s.ByType[dt]++

		switch classifier.CategoryOf(dt) {
		case classifier.CategoryRouter:
			s.RouterCount++
		case classifier.CategoryServer:
			s.ServerCount++
		case classifier.CategoryIoT:
			s.IoTCount++
		case classifier.CategoryFirewall:
			s.FirewallCount++
		case classifier.CategoryUnknown:
			s.UnknownCount++
		default:
			s.OtherCount++
		}

		if first || n.RiskScore > s.HighestRiskScore {
			s.HighestRisk, s.HighestRiskScore = n.ID, n.RiskScore
			first = false
		}
		if n.RiskScore >= HighRiskScore {
			s.HighRiskCount++
		}
		if n.LastSeen.After(s.LastSeen) {
			s.LastSeen = n.LastSeen
		}
		return true
	})

	var sum float64
	v.RangeEdges(func(e domain.Edge) bool {
		s.EdgeCount++
		if e.Data.LatencyMs != nil {
			sum += *e.Data.LatencyMs
			s.LatencyEdges++
		}
		return true
	})
	if s.LatencyEdges > 0 {
		s.AverageLatencyMs = sum / float64(s.LatencyEdges)
	}
	return s
}

// Memo caches stats and recomputes only when the graph version changes
type Memo struct {
	mu    sync.Mutex
	valid bool
	last  TopologyStats
}

// Get returns stats for v, reusing the cached value when v's version is the
// one it was computed at
func (m *Memo) Get(v graph.View) TopologyStats {
	ver := v.Version()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid || m.last.Version != ver {
		m.last = FromGraph(v)
		m.valid = true
	}
	out := m.last
	out.ByType = maps.Clone(m.last.ByType)
	return out
}

// Invalidate forces the next Get to recompute
func (m *Memo) Invalidate() {
	m.mu.Lock()
	m.valid = false
	m.mu.Unlock()
}
