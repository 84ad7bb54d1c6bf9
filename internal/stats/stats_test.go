package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netatlas/internal/domain"
	"netatlas/internal/graph"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func addNode(t *testing.T, g *graph.Graph, ip string, dt domain.DeviceType, risk int) domain.NodeID {
	t.Helper()
	n := domain.NewNodeData(domain.MustNodeID(ip), t0)
	n.DeviceType = dt
	n.RiskScore = risk
	id, err := g.AddNode(n)
	require.NoError(t, err)
	return id
}

func TestFromGraph_Example(t *testing.T) {
	g := graph.New()
	router := addNode(t, g, "10.0.0.1", domain.DeviceTypeRouter, 50)
	server := addNode(t, g, "10.0.0.2", domain.DeviceTypeServer, 30)
	_, err := g.AddEdge(router, server, domain.EdgeData{LatencyMs: domain.Float64(2)})
	require.NoError(t, err)

	s := FromGraph(g)
	assert.Equal(t, 2, s.NodeCount)
	assert.Equal(t, 1, s.EdgeCount)
	assert.Equal(t, 1, s.RouterCount)
	assert.Equal(t, 1, s.ServerCount)
	assert.Equal(t, 2.0, s.AverageLatencyMs)
	assert.Equal(t, 50, s.HighestRiskScore)
	assert.Equal(t, router, s.HighestRisk)
}

func TestFromGraph_Empty(t *testing.T) {
	s := FromGraph(graph.New())
	assert.Zero(t, s.NodeCount)
	assert.Zero(t, s.AverageLatencyMs)
	assert.False(t, s.HighestRisk.IsValid())
	assert.Empty(t, s.ByType)
}

func TestFromGraph_LatencyOnlyOverEdgesWithIt(t *testing.T) {
	g := graph.New()
	a := addNode(t, g, "10.0.0.1", domain.DeviceTypeRouter, 0)
	b := addNode(t, g, "10.0.0.2", domain.DeviceTypeIoT, 0)
	c := addNode(t, g, "10.0.0.3", domain.DeviceTypeCamera, 0)
	d := addNode(t, g, "10.0.0.4", domain.DeviceTypeWorkstation, 0)
	_, _ = g.AddEdge(a, b, domain.EdgeData{LatencyMs: domain.Float64(1)})
	_, _ = g.AddEdge(a, c, domain.EdgeData{LatencyMs: domain.Float64(5)})
	_, _ = g.AddEdge(a, d, domain.EdgeData{})

	s := FromGraph(g)
	assert.Equal(t, 3, s.EdgeCount)
	assert.Equal(t, 2, s.LatencyEdges)
	assert.Equal(t, 3.0, s.AverageLatencyMs)
	assert.Equal(t, 2, s.IoTCount)
	assert.Equal(t, 1, s.OtherCount)
	assert.Equal(t, 1, s.ByType[domain.DeviceTypeCamera])
}

func TestFromGraph_TieKeepsFirst(t *testing.T) {
	g := graph.New()
	first := addNode(t, g, "10.0.0.9", domain.DeviceTypeIoT, 80)
	addNode(t, g, "10.0.0.1", domain.DeviceTypeCamera, 80)
	addNode(t, g, "10.0.0.5", domain.DeviceTypeFirewall, 10)
	addNode(t, g, "10.0.0.6", domain.DeviceTypeUnknown, 20)

	s := FromGraph(g)
	assert.Equal(t, first, s.HighestRisk)
	assert.Equal(t, 80, s.HighestRiskScore)
	assert.Equal(t, 2, s.HighRiskCount)
	assert.Equal(t, 1, s.FirewallCount)
	assert.Equal(t, 1, s.UnknownCount)
}

func TestFromGraph_AllZeroRisk(t *testing.T) {
	g := graph.New()
	only := addNode(t, g, "10.0.0.3", domain.DeviceTypeServer, 0)
	s := FromGraph(g)
	assert.Equal(t, only, s.HighestRisk)
	assert.Zero(t, s.HighestRiskScore)
}

func TestFromGraph_SnapshotMatchesLive(t *testing.T) {
	g := graph.New()
	a := addNode(t, g, "10.0.0.1", domain.DeviceTypeRouter, 40)
	b := addNode(t, g, "10.0.0.2", domain.DeviceTypeNAS, 60)
	_, _ = g.AddEdge(a, b, domain.EdgeData{LatencyMs: domain.Float64(4)})
	assert.Equal(t, FromGraph(g), FromGraph(g.Snapshot()))
}

// countingView wraps a view and counts full recomputations
type countingView struct {
	graph.View
	ranges int
}

func (c *countingView) RangeNodes(fn func(domain.NodeData) bool) {
	c.ranges++
	c.View.RangeNodes(fn)
}

func TestMemo(t *testing.T) {
	g := graph.New()
	addNode(t, g, "10.0.0.1", domain.DeviceTypeRouter, 10)
	v := &countingView{View: g}

	var m Memo
	s1 := m.Get(v)
	s2 := m.Get(v)
	assert.Equal(t, s1, s2)
	assert.Equal(t, 1, v.ranges)

	s2.ByType[domain.DeviceTypeIoT] = 99
	assert.NotContains(t, m.Get(v).ByType, domain.DeviceTypeIoT, "callers get their own map")
	assert.Equal(t, 1, v.ranges)

	addNode(t, g, "10.0.0.2", domain.DeviceTypeServer, 10)
	s3 := m.Get(v)
	assert.Equal(t, 2, s3.NodeCount)
	assert.Equal(t, 2, v.ranges)

	m.Invalidate()
	m.Get(v)
	assert.Equal(t, 3, v.ranges)
}
