package render

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netatlas/internal/domain"
	"netatlas/internal/graph"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestFromZoomAndCount(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name  string
		zoom  float32
		count int
		want  LODLevel
	}{
		{"small graph always high", 0.1, 10, LODHigh},
		{"small graph bad zoom", float32(math.NaN()), 10, LODHigh},
		{"zoomed in", 2, 100, LODHigh},
		{"zoomed in large", 2, 1000, LODMedium},
		{"normal", 1, 100, LODMedium},
		{"zoomed out", 0.2, 100, LODLow},
		{"large at normal zoom", 1, 1000, LODLow},
		{"zero zoom", 0, 100, LODLow},
		{"negative zoom", -1, 100, LODLow},
		{"nan zoom", float32(math.NaN()), 100, LODLow},
		{"boundary high zoom", 1.5, 500, LODHigh},
		{"boundary small graph", 1, 50, LODMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromZoomAndCount(tt.zoom, tt.count, th))
		})
	}
}

func TestFromZoomAndCount_Monotone(t *testing.T) {
	th := DefaultThresholds()
	zooms := []float32{0, 0.05, 0.25, 0.49, 0.5, 0.75, 1, 1.49, 1.5, 2, 8, float32(math.Inf(1))}
	counts := []int{0, 1, 49, 50, 51, 200, 499, 500, 501, 5000, 1 << 20}

	for _, n := range counts {
		for i := 1; i < len(zooms); i++ {
			lo := FromZoomAndCount(zooms[i-1], n, th)
			hi := FromZoomAndCount(zooms[i], n, th)
			assert.LessOrEqual(t, lo, hi, "zoom %v -> %v at n=%d", zooms[i-1], zooms[i], n)
		}
	}
	for _, z := range zooms {
		for i := 1; i < len(counts); i++ {
			fewer := FromZoomAndCount(z, counts[i-1], th)
			more := FromZoomAndCount(z, counts[i], th)
			assert.GreaterOrEqual(t, fewer, more, "n %d -> %d at zoom=%v", counts[i-1], counts[i], z)
		}
	}
}

func TestRenderConfigFor_TogglesOnlyRemove(t *testing.T) {
	p := DefaultPolicy()
	on := DefaultViewState()
	for _, lvl := range []LODLevel{LODLow, LODMedium, LODHigh} {
		full := RenderConfigFor(lvl, on, p)

		off := on
		off.ShowLabels, off.ShowEdges, off.ShowRiskLevels = false, false, false
		c := RenderConfigFor(lvl, off, p)
		assert.Equal(t, LabelNone, c.Labels, lvl.String())
		assert.Equal(t, LabelNone, c.FocusLabels, lvl.String())
		assert.False(t, c.ShowEdges, lvl.String())
		assert.False(t, c.RiskRings, lvl.String())
		assert.Equal(t, full.NodeRadius, c.NodeRadius)
		assert.Equal(t, full.Icons, c.Icons)
	}

	high := RenderConfigFor(LODHigh, on, p)
	med := RenderConfigFor(LODMedium, on, p)
	low := RenderConfigFor(LODLow, on, p)
	assert.Equal(t, LabelFull, high.Labels)
	assert.Equal(t, LabelAbbreviated, med.FocusLabels)
	assert.Equal(t, LabelNone, low.FocusLabels)
	assert.Greater(t, high.EdgeWidth, med.EdgeWidth)
	assert.Greater(t, med.EdgeWidth, low.EdgeWidth)
	assert.Equal(t, p.TopRisk, low.TopRiskOnly)
	assert.Zero(t, high.TopRiskOnly)
}

func addNode(t *testing.T, g *graph.Graph, ip, host string, dt domain.DeviceType, risk int) domain.NodeID {
	t.Helper()
	n := domain.NewNodeData(domain.MustNodeID(ip), t0)
	n.Hostname = host
	n.DeviceType = dt
	n.RiskScore = risk
	id, err := g.AddNode(n)
	require.NoError(t, err)
	return id
}

// sized builds a graph of n nodes in a chain, placed 10 units apart on a line
func sized(t *testing.T, n int) (*graph.Graph, map[domain.NodeID]domain.Vec2) {
	t.Helper()
	g := graph.New()
	pos := make(map[domain.NodeID]domain.Vec2, n)
	var prev domain.NodeID
	for i := 0; i < n; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i/200, i%200+1)
		id := addNode(t, g, ip, fmt.Sprintf("host-%d.lan", i), domain.DeviceTypeWorkstation, i%100)
		pos[id] = domain.Vec2{X: float64(i) * 10}
		if prev.IsValid() {
			lat := float64(i)
			_, err := g.AddEdge(prev, id, domain.EdgeData{Type: domain.ConnectionInferred, LatencyMs: &lat})
			require.NoError(t, err)
		}
		prev = id
	}
	return g, pos
}

func TestDecide_High(t *testing.T) {
	g := graph.New()
	router := addNode(t, g, "10.0.0.1", "gw.lan", domain.DeviceTypeRouter, 15)
	cam := addNode(t, g, "10.0.0.9", "", domain.DeviceTypeCamera, 85)
	lat := 3.0
	_, err := g.AddEdge(router, cam, domain.EdgeData{LatencyMs: &lat})
	require.NoError(t, err)
	pos := map[domain.NodeID]domain.Vec2{router: {}, cam: {X: 50}}

	f := Decide(g, pos, DefaultViewState(), DefaultPolicy(), Viewport{})
	require.Equal(t, LODHigh, f.Level)
	require.Len(t, f.Nodes, 2)
	require.Len(t, f.Edges, 1)

	byID := map[domain.NodeID]NodeDraw{}
	for _, n := range f.Nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, "gw.lan", byID[router].Label)
	assert.Equal(t, "10.0.0.9", byID[cam].Label)
	assert.Equal(t, "router", byID[router].Icon)
	assert.Equal(t, RiskColor(85), byID[cam].RiskColor)
	assert.True(t, byID[cam].Highlight)
	assert.False(t, byID[router].Highlight)
	assert.Equal(t, DeviceColor(domain.DeviceTypeRouter), byID[router].Color)
	assert.Equal(t, 2.0, f.Edges[0].Width)

	view := DefaultViewState()
	view.Highlight = HighlightRiskScore
	f = Decide(g, pos, view, DefaultPolicy(), Viewport{})
	for _, n := range f.Nodes {
		if n.ID == cam {
			assert.Equal(t, RiskColor(85), n.Color)
		}
	}

	view.Highlight = HighlightLatency
	f = Decide(g, pos, view, DefaultPolicy(), Viewport{})
	assert.Equal(t, LatencyColor(3, true), f.Edges[0].Color)
	assert.Equal(t, LatencyColor(3, true), f.Nodes[0].Color)
}

func TestDecide_Medium(t *testing.T) {
	g, pos := sized(t, 100)
	sel := domain.MustNodeID("10.0.0.4")

	view := DefaultViewState()
	view.Selected = &sel
	f := Decide(g, pos, view, DefaultPolicy(), Viewport{})
	require.Equal(t, LODMedium, f.Level)
	require.Len(t, f.Nodes, 100)

	for _, n := range f.Nodes {
		nd, _ := g.Node(n.ID)
		switch {
		case n.ID == sel:
			assert.Equal(t, "host-3", n.Label)
			assert.True(t, n.Highlight)
		case nd.RiskScore >= 70:
			assert.NotEmpty(t, n.Label)
			assert.NotContains(t, n.Label, ".lan")
		default:
			assert.Empty(t, n.Label, n.ID.String())
		}
		assert.Empty(t, n.Icon)
		assert.Empty(t, n.RiskColor)
		assert.Equal(t, DeviceColor(domain.DeviceTypeWorkstation), n.Color)
	}
	assert.Len(t, f.Edges, 99)
	assert.Equal(t, 1.0, f.Edges[0].Width)
}

func TestDecide_Low(t *testing.T) {
	g, pos := sized(t, 600)
	view := DefaultViewState()
	view.Zoom = 0.2

	f := Decide(g, pos, view, DefaultPolicy(), Viewport{})
	require.Equal(t, LODLow, f.Level)

	highlighted := 0
	for _, n := range f.Nodes {
		assert.Empty(t, n.Label)
		if n.Highlight {
			highlighted++
			nd, _ := g.Node(n.ID)
			assert.GreaterOrEqual(t, nd.RiskScore, 98)
		}
	}
	assert.Equal(t, DefaultPolicy().TopRisk, highlighted)
	// neighbours are 10 units apart, 2 pixels at this zoom
	assert.Empty(t, f.Edges)

	view.Zoom = 0.45
	f = Decide(g, pos, view, DefaultPolicy(), Viewport{})
	require.Equal(t, LODLow, f.Level)
	assert.Len(t, f.Edges, 599)
}

func TestDecide_Culling(t *testing.T) {
	g := graph.New()
	a := addNode(t, g, "10.0.0.1", "", domain.DeviceTypeRouter, 0)
	b := addNode(t, g, "10.0.0.2", "", domain.DeviceTypeServer, 0)
	addNode(t, g, "10.0.0.3", "", domain.DeviceTypeServer, 0)
	_, _ = g.AddEdge(a, b, domain.EdgeData{})
	pos := map[domain.NodeID]domain.Vec2{a: {}, b: {X: 5000}}

	f := Decide(g, pos, DefaultViewState(), DefaultPolicy(), Viewport{Width: 800, Height: 600})
	assert.Equal(t, 1, f.Culled)
	assert.Equal(t, 1, f.Unplaced)
	require.Len(t, f.Nodes, 1)
	assert.Equal(t, a, f.Nodes[0].ID)
	assert.Equal(t, domain.Vec2{X: 400, Y: 300}, f.Nodes[0].Pos)
	assert.Len(t, f.Edges, 1, "edge with one visible end is kept")
}

func TestDecide_TogglesOff(t *testing.T) {
	g, pos := sized(t, 10)
	view := DefaultViewState()
	view.ShowLabels, view.ShowEdges, view.ShowRiskLevels = false, false, false
	f := Decide(g, pos, view, DefaultPolicy(), Viewport{})
	assert.Empty(t, f.Edges)
	for _, n := range f.Nodes {
		assert.Empty(t, n.Label)
		assert.Empty(t, n.RiskColor)
		assert.False(t, n.Highlight)
	}
}

func TestAbbreviate(t *testing.T) {
	assert.Equal(t, "nas", Abbreviate("nas.home.arpa", 12))
	assert.Equal(t, "10.0.0.1", Abbreviate("10.0.0.1", 12))
	assert.Equal(t, "very-long-h~", Abbreviate("very-long-hostname.lan", 12))
	assert.Equal(t, "plain", Abbreviate("plain", 0))
}

func TestParseHighlightMode(t *testing.T) {
	m, ok := ParseHighlightMode("latency")
	assert.True(t, ok)
	assert.Equal(t, HighlightLatency, m)
	_, ok = ParseHighlightMode("rainbow")
	assert.False(t, ok)
}
