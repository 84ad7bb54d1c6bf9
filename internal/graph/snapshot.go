package graph

import "netatlas/internal/domain"

// View is the read side shared by the live graph and its snapshots. Layout,
// render and stats consume a View so they never depend on the lock.
type View interface {
	Version() uint64
	NodeCount() int
	EdgeCount() int
	RangeNodes(fn func(domain.NodeData) bool)
	RangeEdges(fn func(domain.Edge) bool)
}

var (
	_ View = (*Graph)(nil)
	_ View = (*Snapshot)(nil)
)

// Snapshot is a frozen copy of the graph. It is safe to share between
// goroutines without locking.
type Snapshot struct {
	version uint64
	nodes   []domain.NodeData
	edges   []domain.Edge
	index   map[domain.NodeID]int
}

func (s *Snapshot) Version() uint64 { return s.version }
func (s *Snapshot) NodeCount() int  { return len(s.nodes) }
func (s *Snapshot) EdgeCount() int  { return len(s.edges) }

// Node returns the node record, if present
func (s *Snapshot) Node(id domain.NodeID) (domain.NodeData, bool) {
	i, ok := s.index[id]
	if !ok {
		return domain.NodeData{}, false
	}
	return s.nodes[i], true
}

// Nodes returns the node records in insertion order. The slice must not be modified.
func (s *Snapshot) Nodes() []domain.NodeData { return s.nodes }

// Edges returns the edges in insertion order. The slice must not be modified.
func (s *Snapshot) Edges() []domain.Edge { return s.edges }

func (s *Snapshot) RangeNodes(fn func(domain.NodeData) bool) {
	for _, n := range s.nodes {
		if !fn(n) {
			return
		}
	}
}

func (s *Snapshot) RangeEdges(fn func(domain.Edge) bool) {
	for _, e := range s.edges {
		if !fn(e) {
			return
		}
	}
}

// Adjacency builds a neighbour list for every node in the view
func Adjacency(v View) map[domain.NodeID][]domain.NodeID {
	adj := make(map[domain.NodeID][]domain.NodeID, v.NodeCount())
	v.RangeEdges(func(e domain.Edge) bool {
		adj[e.A] = append(adj[e.A], e.B)
		adj[e.B] = append(adj[e.B], e.A)
		return true
	})
	return adj
}

// Restore loads a snapshot's records into g. Existing nodes are merged;
// edges whose endpoints are missing are skipped and counted.
func (g *Graph) Restore(nodes []domain.NodeData, edges []domain.Edge) (skipped int) {
	for _, n := range nodes {
		if _, err := g.AddNode(n); err != nil {
			skipped++
		}
	}
	for _, e := range edges {
		if _, err := g.AddEdge(e.A, e.B, e.Data); err != nil {
			skipped++
		}
	}
	return skipped
}
