package layout

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

func addNode(t *testing.T, g *graph.Graph, ip string, dt domain.DeviceType) domain.NodeID {
	t.Helper()
	n := domain.NewNodeData(domain.MustNodeID(ip), t0)
	n.DeviceType = dt
	id, err := g.AddNode(n)
	require.NoError(t, err)
	return id
}

// starGraph builds a router with n leaves plus a short chain
func starGraph(t *testing.T, n int) *graph.Graph {
	t.Helper()
	g := graph.New()
	hub := addNode(t, g, "10.0.0.1", domain.DeviceTypeRouter)
	var prev domain.NodeID
	for i := 0; i < n; i++ {
		leaf := addNode(t, g, fmt.Sprintf("10.0.0.%d", i+2), domain.DeviceTypeWorkstation)
		_, err := g.AddEdge(hub, leaf, domain.EdgeData{Type: domain.ConnectionLocalSubnet})
		require.NoError(t, err)
		if i%3 == 0 && prev.IsValid() {
			_, _ = g.AddEdge(prev, leaf, domain.EdgeData{Type: domain.ConnectionInferred})
		}
		prev = leaf
	}
	return g
}

func allFinite(pos map[domain.NodeID]domain.Vec2) bool {
	for _, p := range pos {
		if !p.IsFinite() {
			return false
		}
	}
	return true
}

func TestStep_Converges(t *testing.T) {
	for _, seed := range []int64{1, 2, 3, 42} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			g := starGraph(t, 12)
			cfg := DefaultConfig()
			cfg.Seed = seed
			e := New(cfg)

			first := e.Step(g, 1)
			require.Greater(t, first, 0.0)

			steps := 0
			for ; steps < 5000 && !e.Converged(); steps++ {
				d := e.Step(g, 1)
				require.False(t, math.IsNaN(d), "NaN displacement at step %d", steps)
			}
			assert.True(t, e.Converged(), "did not converge, last displacement %v", e.LastDisplacement())
			assert.True(t, allFinite(e.Positions()))
			assert.Len(t, e.Positions(), g.NodeCount())
		})
	}
}

func TestStep_SkipsWhenConverged(t *testing.T) {
	g := starGraph(t, 4)
	e := New(DefaultConfig())
	for i := 0; i < 5000 && !e.Converged(); i++ {
		e.Step(g, 1)
	}
	require.True(t, e.Converged())

	before := e.Positions()
	assert.Equal(t, 0.0, e.Step(g, 1))
	assert.Equal(t, before, e.Positions())

	// a graph change wakes the simulation
	leaf := addNode(t, g, "10.0.0.200", domain.DeviceTypeIoT)
	_, err := g.AddEdge(domain.MustNodeID("10.0.0.1"), leaf, domain.EdgeData{})
	require.NoError(t, err)
	assert.Greater(t, e.Step(g, 1), 0.0)
	assert.Contains(t, e.Positions(), leaf)
}

func TestStep_NewNodeNearNeighbour(t *testing.T) {
	g := starGraph(t, 3)
	e := New(DefaultConfig())
	for i := 0; i < 5000 && !e.Converged(); i++ {
		e.Step(g, 1)
	}
	hub := domain.MustNodeID("10.0.0.1")
	hubPos := e.Positions()[hub]

	leaf := addNode(t, g, "10.0.0.99", domain.DeviceTypeIoT)
	_, _ = g.AddEdge(hub, leaf, domain.EdgeData{})
	e.Step(g, 1)

	p := e.Positions()[leaf]
	assert.False(t, p.Equal(domain.Vec2{}), "not placed at the origin")
	assert.Less(t, p.Dist(hubPos), DefaultConfig().IdealEdgeLength+DefaultConfig().MaxStepDisplacement+1)
}

// growingView runs add once, right after the first node scan, like a merge
// landing while a step is in progress
type growingView struct {
	*graph.Graph
	add func()
}

func (v *growingView) RangeNodes(fn func(domain.NodeData) bool) {
	v.Graph.RangeNodes(fn)
	if v.add != nil {
		v.add()
		v.add = nil
	}
}

func TestStep_NodeAddedDuringScan(t *testing.T) {
	late := domain.MustNodeID("10.0.0.9")

	for _, kind := range []Type{ForceDirected, Circular} {
		t.Run(string(kind), func(t *testing.T) {
			g := graph.New()
			e := New(DefaultConfig())
			e.Apply(kind, g)
			addNode(t, g, "10.0.0.1", domain.DeviceTypeRouter)

			v := &growingView{Graph: g, add: func() { addNode(t, g, late.String(), domain.DeviceTypeIoT) }}
			e.Step(v, 1)
			require.Equal(t, 2, g.NodeCount())
			assert.NotContains(t, e.Positions(), late)

			e.Step(g, 1)
			assert.Contains(t, e.Positions(), late)
		})
	}
}

func TestStep_CoincidentStartDoesNotNaN(t *testing.T) {
	g := starGraph(t, 6)
	e := New(DefaultConfig())
	same := map[domain.NodeID]domain.Vec2{}
	g.RangeNodes(func(n domain.NodeData) bool {
		same[n.ID] = domain.Vec2{X: 5, Y: 5}
		return true
	})
	e.SetPositions(same)

	for i := 0; i < 200; i++ {
		e.Step(g, 1)
	}
	assert.True(t, allFinite(e.Positions()))

	pos := e.Positions()
	a, b := pos[domain.MustNodeID("10.0.0.2")], pos[domain.MustNodeID("10.0.0.3")]
	assert.Greater(t, a.Dist(b), 1.0, "coincident nodes pushed apart")
}

func TestStep_BadDt(t *testing.T) {
	g := starGraph(t, 3)
	e := New(DefaultConfig())
	for _, dt := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		e.Step(g, dt)
	}
	assert.True(t, allFinite(e.Positions()))
}

func TestPin(t *testing.T) {
	g := starGraph(t, 5)
	e := New(DefaultConfig())
	hub := domain.MustNodeID("10.0.0.1")
	e.Step(g, 1)

	anchor := domain.Vec2{X: 300, Y: -120}
	e.Pin(hub, anchor)
	for i := 0; i < 100; i++ {
		e.Step(g, 1)
	}
	assert.Equal(t, anchor, e.Positions()[hub])
	assert.True(t, e.Pinned(hub))

	e.Unpin(hub)
	assert.False(t, e.Pinned(hub))
}

func TestStep_RemovedNodesDropped(t *testing.T) {
	g := starGraph(t, 3)
	e := New(DefaultConfig())
	e.Step(g, 1)
	gone := domain.MustNodeID("10.0.0.2")
	require.True(t, g.RemoveNode(gone))
	e.Step(g, 1)
	assert.NotContains(t, e.Positions(), gone)
}

func TestStep_GridRepulsion(t *testing.T) {
	g := graph.New()
	var prev domain.NodeID
	for i := 0; i < 60; i++ {
		id := addNode(t, g, fmt.Sprintf("10.1.0.%d", i+1), domain.DeviceTypeUnknown)
		if prev.IsValid() {
			_, _ = g.AddEdge(prev, id, domain.EdgeData{})
		}
		prev = id
	}
	cfg := DefaultConfig()
	cfg.GridThreshold = 10
	e := New(cfg)
	for i := 0; i < 300; i++ {
		e.Step(g, 1)
	}
	assert.True(t, allFinite(e.Positions()))
	assert.Len(t, e.Positions(), 60)
}

func TestCircularPositions(t *testing.T) {
	g := starGraph(t, 7)
	a := CircularPositions(g, 80)
	b := CircularPositions(g.Snapshot(), 80)
	assert.Equal(t, a, b, "deterministic")
	require.Len(t, a, 8)

	r := a[domain.MustNodeID("10.0.0.1")].Len()
	for _, p := range a {
		assert.InDelta(t, r, p.Len(), 1e-9)
	}

	single := graph.New()
	id := addNode(t, single, "10.0.0.1", domain.DeviceTypeRouter)
	assert.Equal(t, domain.Vec2{}, CircularPositions(single, 80)[id])
	assert.Empty(t, CircularPositions(graph.New(), 80))
}

func TestHierarchicalPositions(t *testing.T) {
	g := graph.New()
	sw := addNode(t, g, "10.0.0.2", domain.DeviceTypeSwitch)
	router := addNode(t, g, "10.0.0.1", domain.DeviceTypeRouter)
	pc := addNode(t, g, "10.0.0.3", domain.DeviceTypeWorkstation)
	lone := addNode(t, g, "10.0.9.9", domain.DeviceTypeUnknown)
	_, _ = g.AddEdge(router, sw, domain.EdgeData{})
	_, _ = g.AddEdge(sw, pc, domain.EdgeData{})

	pos := HierarchicalPositions(g, 80)
	require.Len(t, pos, 4)
	assert.Equal(t, 0.0, pos[router].Y, "router is the root")
	assert.Greater(t, pos[sw].Y, pos[router].Y)
	assert.Greater(t, pos[pc].Y, pos[sw].Y)
	assert.Equal(t, 0.0, pos[lone].Y, "separate component has its own root")
	assert.NotEqual(t, pos[lone].X, pos[router].X)

	assert.Equal(t, pos, HierarchicalPositions(g.Snapshot(), 80))
}

func TestApplyStatic(t *testing.T) {
	g := starGraph(t, 4)
	e := New(DefaultConfig())
	e.Apply(Circular, g)
	assert.Equal(t, Circular, e.Type())
	assert.Equal(t, CircularPositions(g, DefaultConfig().IdealEdgeLength), e.Positions())
	assert.Equal(t, 0.0, e.Step(g, 1))

	_ = addNode(t, g, "10.0.0.50", domain.DeviceTypeIoT)
	e.Step(g, 1)
	assert.Len(t, e.Positions(), g.NodeCount(), "static layout recomputed on change")

	e.Apply(ForceDirected, g)
	assert.Greater(t, e.Step(g, 1), 0.0)
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"force", "circular", "hierarchical"} {
		_, ok := ParseType(s)
		assert.True(t, ok, s)
	}
	_, ok := ParseType("spiral")
	assert.False(t, ok)
}
