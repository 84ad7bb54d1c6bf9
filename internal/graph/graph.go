// Package graph provides the topology graph: the single owner of every node and
// edge record.
//
// Storage is an arena. Nodes and edges live in dense slices and are addressed
// by opaque identities (domain.NodeID for nodes, EdgeIndex for edges). Callers
// never hold pointers into the arena; reads return copies.
//
// Identity is enforced structurally: one slot per NodeID, one edge per
// unordered node pair, and no edge from a node to itself.
package graph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"netatlas/internal/domain"
)

var (
	// ErrSelfEdge is returned when both edge endpoints are the same node
	ErrSelfEdge = errors.New("edge endpoints are the same node")
	// ErrUnknownNode is returned when an edge endpoint is not in the graph
	ErrUnknownNode = errors.New("unknown node")
	// ErrInvalidNode is returned when a node record has no usable identity
	ErrInvalidNode = errors.New("node has no valid address")
)

// EdgeIndex addresses an edge slot. Indexes are stable until a RemoveNode
// triggers compaction.
type EdgeIndex int

// compactMin is the tombstone count below which compaction is not worth it
const compactMin = 64

type nodeSlot struct {
	data  domain.NodeData
	edges []int // incident edge slots
	alive bool
}

type edgeSlot struct {
	a, b  int // node slots, a holds the lower address
	data  domain.EdgeData
	alive bool
}

type pairKey struct {
	lo, hi domain.NodeID
}

func keyFor(a, b domain.NodeID) pairKey {
	if b.Less(a) {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Graph is the topology store. All methods are safe for concurrent use;
// mutations serialize on a write lock and bump the version counter.
type Graph struct {
	mu sync.RWMutex

	nodes []nodeSlot
	index map[domain.NodeID]int
	edges []edgeSlot
	pairs map[pairKey]int

	deadNodes int
	deadEdges int
	liveEdges int

	version atomic.Uint64

	osStaleAfter time.Duration
}

// Option configures a Graph
type Option func(*Graph)

// WithOSStaleAfter sets the fingerprint staleness window used when whole
// node records are merged by AddNode
func WithOSStaleAfter(d time.Duration) Option {
	return func(g *Graph) { g.osStaleAfter = d }
}

// New creates an empty graph
func New(opts ...Option) *Graph {
	g := &Graph{
		index:        make(map[domain.NodeID]int),
		pairs:        make(map[pairKey]int),
		osStaleAfter: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Version returns the mutation counter. It changes on every successful write.
func (g *Graph) Version() uint64 { return g.version.Load() }

func (g *Graph) bump() { g.version.Add(1) }

// AddNode inserts a node, or merges the record into the existing node with
// the same address.
func (g *Graph) AddNode(n domain.NodeData) (domain.NodeID, error) {
	if !n.ID.IsValid() {
		return domain.NodeID{}, ErrInvalidNode
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if slot, ok := g.index[n.ID]; ok {
		cur := &g.nodes[slot].data
		cur.Absorb(n, g.osStaleAfter)
		normalize(cur)
		g.bump()
		return n.ID, nil
	}

	data := n.Clone()
	if data.DeviceType == "" {
		data.DeviceType = domain.DeviceTypeUnknown
	}
	normalize(&data)

	g.index[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, nodeSlot{data: data, alive: true})
	g.bump()
	return n.ID, nil
}

// normalize re-establishes the record invariants after a mutation
func normalize(n *domain.NodeData) {
	if n.FirstSeen.IsZero() {
		n.FirstSeen = n.LastSeen
	}
	if n.LastSeen.Before(n.FirstSeen) {
		n.LastSeen = n.FirstSeen
	}
	n.RiskScore = clamp(n.RiskScore, 0, 100)
	if n.OS != nil {
		n.OS.Accuracy = clamp(n.OS.Accuracy, 0, 100)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Has reports whether a node exists
func (g *Graph) Has(id domain.NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[id]
	return ok
}

// Node returns a copy of the node record
func (g *Graph) Node(id domain.NodeID) (domain.NodeData, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return domain.NodeData{}, false
	}
	return g.nodes[slot].data.Clone(), true
}

// UpdateNode applies fn to the node record in place. The node's identity
// cannot be changed; timestamps and score ranges are re-validated after fn
// returns. Returns false if the node does not exist.
func (g *Graph) UpdateNode(id domain.NodeID, fn func(*domain.NodeData)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, ok := g.index[id]
	if !ok {
		return false
	}
	data := &g.nodes[slot].data
	fn(data)
	data.ID = id
	normalize(data)
	g.bump()
	return true
}

// AddEdge links two existing nodes. An edge for the same pair is merged
// instead of duplicated: the connection type only upgrades and the most
// recent measurements win.
func (g *Graph) AddEdge(a, b domain.NodeID, data domain.EdgeData) (EdgeIndex, error) {
	if a == b {
		return -1, fmt.Errorf("%w: %s", ErrSelfEdge, a)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sa, ok := g.index[a]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownNode, a)
	}
	sb, ok := g.index[b]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownNode, b)
	}

	key := keyFor(a, b)
	if idx, ok := g.pairs[key]; ok {
		g.edges[idx].data.Merge(data)
		g.bump()
		return EdgeIndex(idx), nil
	}

	if b.Less(a) {
		sa, sb = sb, sa
	}
	idx := len(g.edges)
	g.edges = append(g.edges, edgeSlot{a: sa, b: sb, data: data.Clone(), alive: true})
	g.pairs[key] = idx
	g.nodes[sa].edges = append(g.nodes[sa].edges, idx)
	g.nodes[sb].edges = append(g.nodes[sb].edges, idx)
	g.liveEdges++
	g.bump()
	return EdgeIndex(idx), nil
}

// Edge returns the edge stored at idx
func (g *Graph) Edge(idx EdgeIndex) (domain.Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if idx < 0 || int(idx) >= len(g.edges) || !g.edges[idx].alive {
		return domain.Edge{}, false
	}
	return g.edgeAt(int(idx)), true
}

func (g *Graph) edgeAt(i int) domain.Edge {
	e := g.edges[i]
	return domain.Edge{
		A:    g.nodes[e.a].data.ID,
		B:    g.nodes[e.b].data.ID,
		Data: e.data.Clone(),
	}
}

// EdgeBetween returns the edge data linking a and b, in either order
func (g *Graph) EdgeBetween(a, b domain.NodeID) (domain.EdgeData, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.pairs[keyFor(a, b)]
	if !ok {
		return domain.EdgeData{}, false
	}
	return g.edges[idx].data.Clone(), true
}

// Neighbors returns the nodes adjacent to id in edge insertion order
func (g *Graph) Neighbors(id domain.NodeID) []domain.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]domain.NodeID, 0, len(g.nodes[slot].edges))
	for _, ei := range g.nodes[slot].edges {
		e := g.edges[ei]
		other := e.a
		if other == slot {
			other = e.b
		}
		out = append(out, g.nodes[other].data.ID)
	}
	return out
}

// Degree returns the number of edges incident to id
func (g *Graph) Degree(id domain.NodeID) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return 0
	}
	return len(g.nodes[slot].edges)
}

// RemoveEdge deletes the edge between a and b
func (g *Graph) RemoveEdge(a, b domain.NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.pairs[keyFor(a, b)]
	if !ok {
		return false
	}
	g.killEdge(idx)
	g.bump()
	return true
}

func (g *Graph) killEdge(idx int) {
	e := &g.edges[idx]
	if !e.alive {
		return
	}
	e.alive = false
	e.data = domain.EdgeData{}
	delete(g.pairs, keyFor(g.nodes[e.a].data.ID, g.nodes[e.b].data.ID))
	g.nodes[e.a].edges = without(g.nodes[e.a].edges, idx)
	g.nodes[e.b].edges = without(g.nodes[e.b].edges, idx)
	g.deadEdges++
	g.liveEdges--
}

func without(s []int, v int) []int {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// RemoveNode deletes a node and every edge touching it. Edge indexes handed
// out earlier may be invalidated.
func (g *Graph) RemoveNode(id domain.NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, ok := g.index[id]
	if !ok {
		return false
	}
	for _, ei := range append([]int(nil), g.nodes[slot].edges...) {
		g.killEdge(ei)
	}
	delete(g.index, id)
	g.nodes[slot] = nodeSlot{}
	g.deadNodes++

	if g.deadNodes > compactMin && g.deadNodes > len(g.index) {
		g.compact()
	}
	g.bump()
	return true
}

// compact drops tombstones and remaps slot references
func (g *Graph) compact() {
	nodeMap := make([]int, len(g.nodes))
	nodes := make([]nodeSlot, 0, len(g.index))
	for i, n := range g.nodes {
		if !n.alive {
			nodeMap[i] = -1
			continue
		}
		nodeMap[i] = len(nodes)
		n.edges = nil
		nodes = append(nodes, n)
	}

	edges := make([]edgeSlot, 0, g.liveEdges)
	for _, e := range g.edges {
		if !e.alive {
			continue
		}
		e.a, e.b = nodeMap[e.a], nodeMap[e.b]
		idx := len(edges)
		edges = append(edges, e)
		nodes[e.a].edges = append(nodes[e.a].edges, idx)
		nodes[e.b].edges = append(nodes[e.b].edges, idx)
	}

	g.nodes = nodes
	g.edges = edges
	g.index = make(map[domain.NodeID]int, len(nodes))
	for i, n := range nodes {
		g.index[n.data.ID] = i
	}
	g.pairs = make(map[pairKey]int, len(edges))
	for i, e := range edges {
		g.pairs[keyFor(nodes[e.a].data.ID, nodes[e.b].data.ID)] = i
	}
	g.deadNodes = 0
	g.deadEdges = 0
}

// NodeCount returns the number of live nodes
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.index)
}

// EdgeCount returns the number of live edges
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.liveEdges
}

// Nodes returns copies of every node in insertion order
func (g *Graph) Nodes() []domain.NodeData {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.NodeData, 0, len(g.index))
	for _, n := range g.nodes {
		if n.alive {
			out = append(out, n.data.Clone())
		}
	}
	return out
}

// Edges returns copies of every edge in insertion order
func (g *Graph) Edges() []domain.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.Edge, 0, g.liveEdges)
	for i, e := range g.edges {
		if e.alive {
			out = append(out, g.edgeAt(i))
		}
	}
	return out
}

// RangeNodes calls fn for each node under the read lock until fn returns
// false. fn must not retain slices from the record or call back into g.
func (g *Graph) RangeNodes(fn func(domain.NodeData) bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if n.alive && !fn(n.data) {
			return
		}
	}
}

// RangeEdges calls fn for each edge under the read lock until fn returns
// false. fn must not call back into g.
func (g *Graph) RangeEdges(fn func(domain.Edge) bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.edges {
		if !e.alive {
			continue
		}
		edge := domain.Edge{A: g.nodes[e.a].data.ID, B: g.nodes[e.b].data.ID, Data: e.data}
		if !fn(edge) {
			return
		}
	}
}

// Snapshot returns an immutable copy of the graph at its current version
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := &Snapshot{
		version: g.version.Load(),
		nodes:   make([]domain.NodeData, 0, len(g.index)),
		edges:   make([]domain.Edge, 0, g.liveEdges),
		index:   make(map[domain.NodeID]int, len(g.index)),
	}
	for _, n := range g.nodes {
		if n.alive {
			s.index[n.data.ID] = len(s.nodes)
			s.nodes = append(s.nodes, n.data.Clone())
		}
	}
	for i, e := range g.edges {
		if e.alive {
			s.edges = append(s.edges, g.edgeAt(i))
		}
	}
	return s
}
