// Package layout computes 2D positions for the topology graph.
//
// The force-directed engine is incremental: each Step call performs one
// bounded-cost iteration so that a caller can interleave layout with other
// work. Once the mean displacement per node falls below the convergence
// epsilon, Step becomes a no-op until the graph version changes.
//
// Positions live only in the engine; node records never carry them.
package layout

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"netatlas/internal/domain"
	"netatlas/internal/graph"
)

// Type selects a layout algorithm
type Type string

const (
	ForceDirected Type = "force"
	Circular      Type = "circular"
	Hierarchical  Type = "hierarchical"
)

// ParseType validates a layout name
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case ForceDirected, Circular, Hierarchical:
		return Type(s), true
	}
	return "", false
}

// Config holds the force simulation parameters
type Config struct {
	RepulsionStrength   float64 `yaml:"repulsion_strength" json:"repulsion_strength"`
	AttractionStrength  float64 `yaml:"attraction_strength" json:"attraction_strength"`
	Damping             float64 `yaml:"damping" json:"damping"`
	IdealEdgeLength     float64 `yaml:"ideal_edge_length" json:"ideal_edge_length"`
	MaxStepDisplacement float64 `yaml:"max_step_displacement" json:"max_step_displacement"`
	// MinDistance caps repulsion at near-zero separation
	MinDistance float64 `yaml:"min_distance" json:"min_distance"`
	// Gravity pulls every node toward the origin so components do not drift apart
	Gravity float64 `yaml:"gravity" json:"gravity"`
	// ConvergenceEpsilon is the mean per-node displacement below which the
	// layout is considered stable
	ConvergenceEpsilon float64 `yaml:"convergence_epsilon" json:"convergence_epsilon"`
	// GridThreshold switches repulsion to a spatial grid above this many nodes
	GridThreshold int   `yaml:"grid_threshold" json:"grid_threshold"`
	Seed          int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the stock simulation parameters
func DefaultConfig() Config {
	return Config{
		RepulsionStrength:   2000,
		AttractionStrength:  0.05,
		Damping:             0.85,
		IdealEdgeLength:     80,
		MaxStepDisplacement: 20,
		MinDistance:         1,
		Gravity:             0.01,
		ConvergenceEpsilon:  0.05,
		GridThreshold:       1500,
		Seed:                1,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RepulsionStrength <= 0 {
		c.RepulsionStrength = d.RepulsionStrength
	}
	if c.AttractionStrength <= 0 {
		c.AttractionStrength = d.AttractionStrength
	}
	if c.Damping <= 0 || c.Damping >= 1 {
		c.Damping = d.Damping
	}
	if c.IdealEdgeLength <= 0 {
		c.IdealEdgeLength = d.IdealEdgeLength
	}
	if c.MaxStepDisplacement <= 0 {
		c.MaxStepDisplacement = d.MaxStepDisplacement
	}
	if c.MinDistance <= 0 {
		c.MinDistance = d.MinDistance
	}
	if c.Gravity < 0 {
		c.Gravity = 0
	}
	if c.ConvergenceEpsilon <= 0 {
		c.ConvergenceEpsilon = d.ConvergenceEpsilon
	}
	if c.GridThreshold <= 0 {
		c.GridThreshold = d.GridThreshold
	}
}

// Engine owns the position map and runs the simulation
type Engine struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand

	kind   Type
	pos    map[domain.NodeID]domain.Vec2
	vel    map[domain.NodeID]domain.Vec2
	pinned map[domain.NodeID]bool

	version   uint64
	synced    bool
	converged bool
	last      float64
}

// New creates an engine with the force-directed layout selected
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		kind:   ForceDirected,
		pos:    make(map[domain.NodeID]domain.Vec2),
		vel:    make(map[domain.NodeID]domain.Vec2),
		pinned: make(map[domain.NodeID]bool),
	}
}

// Config returns the active parameters
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces the simulation parameters and wakes the simulation
func (e *Engine) SetConfig(cfg Config) {
	cfg.applyDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.converged = false
}

// Type returns the selected layout algorithm
func (e *Engine) Type() Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kind
}

// Apply selects a layout. Static layouts are computed immediately; switching
// back to ForceDirected resumes the simulation from the current positions.
func (e *Engine) Apply(kind Type, v graph.View) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kind = kind
	e.converged = false
	if kind != ForceDirected {
		e.applyStatic(v, v.Version())
	}
}

// applyStatic recomputes a static layout. version must be read before v is
// scanned so a write racing with the scan is picked up on the next step.
func (e *Engine) applyStatic(v graph.View, version uint64) {
	var placed map[domain.NodeID]domain.Vec2
	switch e.kind {
	case Circular:
		placed = CircularPositions(v, e.cfg.IdealEdgeLength)
	case Hierarchical:
		placed = HierarchicalPositions(v, e.cfg.IdealEdgeLength)
	default:
		return
	}
	for id := range e.pos {
		if _, ok := placed[id]; !ok {
			delete(e.pos, id)
			delete(e.pinned, id)
		}
	}
	for id, p := range placed {
		if !e.pinned[id] {
			e.pos[id] = p
		}
		e.vel[id] = domain.Vec2{}
	}
	e.version = v.Version()
	e.synced = true
	e.converged = true
	e.last = 0
}

// Pin fixes a node at p. Pinned nodes exert forces but never move.
func (e *Engine) Pin(id domain.NodeID, p domain.Vec2) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos[id] = p
	e.vel[id] = domain.Vec2{}
	e.pinned[id] = true
	e.converged = false
}

// Unpin releases a pinned node
func (e *Engine) Unpin(id domain.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pinned, id)
	e.converged = false
}

// Pinned reports whether a node is pinned
func (e *Engine) Pinned(id domain.NodeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pinned[id]
}

// Positions returns a copy of the position map
func (e *Engine) Positions() map[domain.NodeID]domain.Vec2 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[domain.NodeID]domain.Vec2, len(e.pos))
	for id, p := range e.pos {
		out[id] = p
	}
	return out
}

// SetPositions seeds positions, e.g. from a persisted snapshot
func (e *Engine) SetPositions(pos map[domain.NodeID]domain.Vec2) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range pos {
		if p.IsFinite() {
			e.pos[id] = p
			e.vel[id] = domain.Vec2{}
		}
	}
	e.converged = false
}

// Converged reports whether the simulation has settled
func (e *Engine) Converged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.converged
}

// LastDisplacement returns the total displacement of the most recent step
func (e *Engine) LastDisplacement() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Reset discards all positions and velocities
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos = make(map[domain.NodeID]domain.Vec2)
	e.vel = make(map[domain.NodeID]domain.Vec2)
	e.pinned = make(map[domain.NodeID]bool)
	e.rng = rand.New(rand.NewSource(e.cfg.Seed))
	e.synced = false
	e.converged = false
	e.last = 0
}

// Step advances the simulation by one iteration and returns the total
// displacement of all nodes. A converged engine returns 0 without work until
// the graph version changes. Static layouts are recomputed on change only.
func (e *Engine) Step(v graph.View, dt float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	// read before sync scans the view; a node added mid-scan then still
	// counts as a change on the next step
	version := v.Version()
	changed := !e.synced || version != e.version
	if e.kind != ForceDirected {
		if changed {
			e.applyStatic(v, version)
		}
		return 0
	}
	if e.converged && !changed {
		return 0
	}
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		dt = 1
	}

	ids, edges := e.sync(v)
	e.version = version
	e.synced = true
	if len(ids) == 0 {
		e.converged = true
		e.last = 0
		return 0
	}

	force := make([]domain.Vec2, len(ids))
	index := make(map[domain.NodeID]int, len(ids))
	pts := make([]domain.Vec2, len(ids))
	for i, id := range ids {
		index[id] = i
		pts[i] = e.pos[id]
	}

	if len(ids) > e.cfg.GridThreshold {
		e.repulseGrid(pts, force)
	} else {
		e.repulseAll(pts, force)
	}

	for _, pair := range edges {
		i, j := index[pair[0]], index[pair[1]]
		d := pts[j].Sub(pts[i])
		dist := d.Len()
		if dist == 0 {
			continue
		}
		f := d.Scale(e.cfg.AttractionStrength * (dist - e.cfg.IdealEdgeLength) / dist)
		force[i] = force[i].Add(f)
		force[j] = force[j].Sub(f)
	}

	total := 0.0
	for i, id := range ids {
		if e.pinned[id] {
			e.vel[id] = domain.Vec2{}
			continue
		}
		f := force[i].Sub(pts[i].Scale(e.cfg.Gravity))
		vel := e.vel[id].Add(f.Scale(dt)).Scale(e.cfg.Damping).Clamp(e.cfg.MaxStepDisplacement / dt)
		step := vel.Scale(dt)
		if !step.IsFinite() || !vel.IsFinite() {
			e.vel[id] = domain.Vec2{}
			continue
		}
		e.vel[id] = vel
		e.pos[id] = pts[i].Add(step)
		total += step.Len()
	}

	e.last = total
	e.converged = total/float64(len(ids)) < e.cfg.ConvergenceEpsilon
	return total
}

// sync reconciles the position map with the graph: removed nodes are dropped
// and new nodes are placed near their first already-placed neighbour
func (e *Engine) sync(v graph.View) ([]domain.NodeID, [][2]domain.NodeID) {
	ids := make([]domain.NodeID, 0, v.NodeCount())
	present := make(map[domain.NodeID]bool, v.NodeCount())
	v.RangeNodes(func(n domain.NodeData) bool {
		ids = append(ids, n.ID)
		present[n.ID] = true
		return true
	})

	edges := make([][2]domain.NodeID, 0, v.EdgeCount())
	adj := make(map[domain.NodeID][]domain.NodeID)
	v.RangeEdges(func(ed domain.Edge) bool {
		if present[ed.A] && present[ed.B] {
			edges = append(edges, [2]domain.NodeID{ed.A, ed.B})
			adj[ed.A] = append(adj[ed.A], ed.B)
			adj[ed.B] = append(adj[ed.B], ed.A)
		}
		return true
	})

	for id := range e.pos {
		if !present[id] {
			delete(e.pos, id)
			delete(e.vel, id)
			delete(e.pinned, id)
		}
	}

	spread := e.cfg.IdealEdgeLength * math.Sqrt(float64(len(ids))+1)
	for _, id := range ids {
		if p, ok := e.pos[id]; ok && p.IsFinite() {
			continue
		}
		placed := false
		for _, nb := range adj[id] {
			if p, ok := e.pos[nb]; ok {
				e.pos[id] = p.Add(e.jitter(e.cfg.IdealEdgeLength * 0.5))
				placed = true
				break
			}
		}
		if !placed {
			e.pos[id] = e.jitter(spread)
		}
		e.vel[id] = domain.Vec2{}
	}
	return ids, edges
}

// jitter returns a random point in a disc of radius r, never the centre
func (e *Engine) jitter(r float64) domain.Vec2 {
	angle := e.rng.Float64() * 2 * math.Pi
	dist := r * (0.25 + 0.75*math.Sqrt(e.rng.Float64()))
	return domain.Vec2{X: dist * math.Cos(angle), Y: dist * math.Sin(angle)}
}

// repulse applies the inverse-square force between i and j
func (e *Engine) repulse(pts, force []domain.Vec2, i, j int) {
	d := pts[i].Sub(pts[j])
	dist := d.Len()
	if dist == 0 {
		// coincident points: push apart along a deterministic axis
		d = domain.Vec2{X: float64(i - j), Y: 1}
		dist = d.Len()
	}
	capped := math.Max(dist, e.cfg.MinDistance)
	f := d.Scale(e.cfg.RepulsionStrength / (capped * capped) / dist)
	force[i] = force[i].Add(f)
	force[j] = force[j].Sub(f)
}

func (e *Engine) repulseAll(pts, force []domain.Vec2) {
	for i := range pts {
		for j := i + 1; j < len(pts); j++ {
			e.repulse(pts, force, i, j)
		}
	}
}

type cell struct{ x, y int }

// repulseGrid only considers pairs in neighbouring grid cells. Forces beyond
// a few ideal edge lengths are negligible.
func (e *Engine) repulseGrid(pts, force []domain.Vec2) {
	size := e.cfg.IdealEdgeLength * 3
	buckets := make(map[cell][]int, len(pts)/4+1)
	cellOf := func(p domain.Vec2) cell {
		return cell{int(math.Floor(p.X / size)), int(math.Floor(p.Y / size))}
	}
	for i, p := range pts {
		c := cellOf(p)
		buckets[c] = append(buckets[c], i)
	}
	for i, p := range pts {
		c := cellOf(p)
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for _, j := range buckets[cell{c.x + dx, c.y + dy}] {
					if j > i {
						e.repulse(pts, force, i, j)
					}
				}
			}
		}
	}
}

// sortedIDs returns the node IDs of v in address order
func sortedIDs(v graph.View) []domain.NodeID {
	ids := make([]domain.NodeID, 0, v.NodeCount())
	v.RangeNodes(func(n domain.NodeData) bool {
		ids = append(ids, n.ID)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}
