package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"netatlas/internal/codec"
	"netatlas/internal/domain"
	"netatlas/internal/graph"
	"netatlas/internal/layout"
	"netatlas/internal/merge"
	"netatlas/internal/render"
	"netatlas/internal/repository"
	"netatlas/internal/stats"
)

// Options tunes the background loops
type Options struct {
	// EventBuffer is the capacity of the discovery event channel
	EventBuffer int
	// LayoutInterval is the pause between layout steps
	LayoutInterval time.Duration
	// LayoutDt is the simulation time step per iteration
	LayoutDt float64
	// EvictInterval is how often stale nodes are evicted
	EvictInterval time.Duration
	// SnapshotInterval is how often a changed graph is saved; zero disables
	SnapshotInterval time.Duration
	Policy           render.Policy
	Clock            func() time.Time
}

// DefaultOptions returns the stock loop settings
func DefaultOptions() Options {
	return Options{
		EventBuffer:      1024,
		LayoutInterval:   50 * time.Millisecond,
		LayoutDt:         1,
		EvictInterval:    time.Minute,
		SnapshotInterval: 5 * time.Minute,
		Policy:           render.DefaultPolicy(),
		Clock:            time.Now,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	if o.LayoutInterval <= 0 {
		o.LayoutInterval = d.LayoutInterval
	}
	if o.LayoutDt <= 0 {
		o.LayoutDt = d.LayoutDt
	}
	if o.EvictInterval <= 0 {
		o.EvictInterval = d.EvictInterval
	}
	if o.Policy == (render.Policy{}) {
		o.Policy = d.Policy
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
}

// TopologyService coordinates the topology engine
type TopologyService struct {
	graph  *graph.Graph
	engine *merge.Engine
	layout *layout.Engine
	store  repository.Store
	bus    *EventBus
	events chan domain.DiscoveryEvent
	opts   Options
	logger *slog.Logger

	stats stats.Memo

	mu        sync.RWMutex
	policy    render.Policy
	lastSaved uint64
}

// New creates a service around an engine. store may be nil to disable
// persistence.
func New(engine *merge.Engine, lay *layout.Engine, store repository.Store, bus *EventBus, opts Options, logger *slog.Logger) *TopologyService {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = NewEventBus()
	}
	engine.Subscribe(bus)
	return &TopologyService{
		graph:  engine.Graph(),
		engine: engine,
		layout: lay,
		store:  store,
		bus:    bus,
		events: make(chan domain.DiscoveryEvent, opts.EventBuffer),
		opts:   opts,
		policy: opts.Policy,
		logger: logger.With("component", "service"),
	}
}

// Events is the channel probe sources emit on
func (s *TopologyService) Events() chan<- domain.DiscoveryEvent { return s.events }

// Bus returns the event bus
func (s *TopologyService) Bus() *EventBus { return s.bus }

// Run consumes discovery events and drives the layout, eviction and
// autosave loops until ctx is done. A final snapshot is saved on the way out.
func (s *TopologyService) Run(ctx context.Context) error {
	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		return ignoreCancel(s.engine.Run(ctx, s.events))
	})
	p.Go(func(ctx context.Context) error {
		s.layoutLoop(ctx)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		s.every(ctx, s.opts.EvictInterval, func() { s.engine.Evict(s.opts.Clock()) })
		return nil
	})
	if s.store != nil && s.opts.SnapshotInterval > 0 {
		p.Go(func(ctx context.Context) error {
			s.every(ctx, s.opts.SnapshotInterval, func() {
				if _, err := s.saveIfChanged(ctx); err != nil {
					s.logger.Warn("autosave failed", "err", err)
				}
			})
			return nil
		})
	}
	err := p.Wait()

	if s.store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, serr := s.saveIfChanged(saveCtx); serr != nil {
			s.logger.Error("final save failed", "err", serr)
			err = errors.Join(err, serr)
		}
	}
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *TopologyService) every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *TopologyService) layoutLoop(ctx context.Context) {
	settled := true
	s.every(ctx, s.opts.LayoutInterval, func() {
		s.layout.Step(s.graph, s.opts.LayoutDt)
		converged := s.layout.Converged()
		if converged && !settled {
			s.bus.Publish(Event{Type: EventLayoutSettled, Payload: map[string]any{
				"version": s.graph.Version(),
				"nodes":   s.graph.NodeCount(),
			}})
		}
		settled = converged
	})
}

// Apply merges one event synchronously, bypassing the channel
func (s *TopologyService) Apply(ev domain.DiscoveryEvent) error {
	return s.engine.Apply(ev)
}

// Snapshot returns a frozen view of the graph
func (s *TopologyService) Snapshot() *graph.Snapshot { return s.graph.Snapshot() }

// Node returns one node record
func (s *TopologyService) Node(id domain.NodeID) (domain.NodeData, bool) { return s.graph.Node(id) }

// Neighbors returns the nodes adjacent to id
func (s *TopologyService) Neighbors(id domain.NodeID) []domain.NodeID { return s.graph.Neighbors(id) }

// Stats returns aggregate statistics, recomputed only when the graph changed
func (s *TopologyService) Stats() stats.TopologyStats { return s.stats.Get(s.graph) }

// Metrics returns the merge engine counters
func (s *TopologyService) Metrics() merge.MetricsSnapshot { return s.engine.Metrics() }

// Positions returns a copy of the layout positions
func (s *TopologyService) Positions() map[domain.NodeID]domain.Vec2 { return s.layout.Positions() }

// LayoutState summarizes the layout engine
type LayoutState struct {
	Type             layout.Type                   `json:"type"`
	Converged        bool                          `json:"converged"`
	LastDisplacement float64                       `json:"last_displacement"`
	Positions        map[domain.NodeID]domain.Vec2 `json:"positions"`
}

// Layout returns the current layout state
func (s *TopologyService) Layout() LayoutState {
	return LayoutState{
		Type:             s.layout.Type(),
		Converged:        s.layout.Converged(),
		LastDisplacement: s.layout.LastDisplacement(),
		Positions:        s.layout.Positions(),
	}
}

// StepLayout runs up to n layout iterations, stopping early on convergence
func (s *TopologyService) StepLayout(n int) LayoutState {
	for i := 0; i < n; i++ {
		s.layout.Step(s.graph, s.opts.LayoutDt)
		if s.layout.Converged() {
			break
		}
	}
	return s.Layout()
}

// ApplyLayout switches the layout algorithm
func (s *TopologyService) ApplyLayout(kind layout.Type) {
	s.layout.Apply(kind, s.graph.Snapshot())
}

// Pin fixes a node at a position
func (s *TopologyService) Pin(id domain.NodeID, p domain.Vec2) error {
	if !s.graph.Has(id) {
		return fmt.Errorf("pin %s: %w", id, graph.ErrUnknownNode)
	}
	if !p.IsFinite() {
		return fmt.Errorf("pin %s: position is not finite", id)
	}
	s.layout.Pin(id, p)
	s.bus.Publish(Event{Type: EventPositionsPinned, Payload: map[string]any{"node": id, "position": p}})
	return nil
}

// Unpin releases a pinned node
func (s *TopologyService) Unpin(id domain.NodeID) { s.layout.Unpin(id) }

// Policy returns the render policy
func (s *TopologyService) Policy() render.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetPolicy replaces the render policy
func (s *TopologyService) SetPolicy(p render.Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// SetLayoutConfig replaces the simulation parameters
func (s *TopologyService) SetLayoutConfig(cfg layout.Config) { s.layout.SetConfig(cfg) }

// SetMergeConfig replaces the merge policy
func (s *TopologyService) SetMergeConfig(cfg merge.Config) { s.engine.SetConfig(cfg) }

// Render decides what to draw for a view
func (s *TopologyService) Render(view render.ViewState, vp render.Viewport) render.Frame {
	return render.Decide(s.graph.Snapshot(), s.layout.Positions(), view, s.Policy(), vp)
}

// Link adds a manual edge between two known nodes
func (s *TopologyService) Link(a, b domain.NodeID) error {
	return s.engine.Link(a, b, s.opts.Clock())
}

// Export writes the graph and positions in format
func (s *TopologyService) Export(format string, w io.Writer) error {
	c, err := codec.ForFormat(format)
	if err != nil {
		return err
	}
	return c.Export(s.Document(), w)
}

// Document captures the current graph and positions
func (s *TopologyService) Document() *codec.Document {
	return codec.NewDocument(s.graph.Snapshot(), s.layout.Positions(), s.opts.Clock())
}

// Import merges a document into the graph. Records merge with existing
// nodes under the usual field rules; positions seed the layout.
func (s *TopologyService) Import(doc *codec.Document) (skipped int, err error) {
	if err := doc.Validate(); err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}
	skipped = s.graph.Restore(doc.Nodes, doc.Edges)
	if len(doc.Positions) > 0 {
		s.layout.SetPositions(doc.Positions)
	}
	s.bus.Publish(Event{Type: EventGraphRestored, Payload: map[string]any{
		"nodes":   len(doc.Nodes),
		"edges":   len(doc.Edges),
		"skipped": skipped,
	}})
	return skipped, nil
}

// Restore loads the latest stored snapshot. A missing snapshot is not an error.
func (s *TopologyService) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.LatestSnapshot(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Info("no snapshot to restore")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	skipped := s.graph.Restore(snap.Nodes, snap.Edges)
	pos := make(map[domain.NodeID]domain.Vec2, len(snap.Positions))
	for id, p := range snap.Positions {
		pos[id] = p.Vec2
	}
	s.layout.SetPositions(pos)
	for id, p := range snap.Positions {
		if p.Pinned {
			s.layout.Pin(id, p.Vec2)
		}
	}

	s.mu.Lock()
	s.lastSaved = s.graph.Version()
	s.mu.Unlock()

	s.logger.Info("restored snapshot", "id", snap.ID, "taken_at", snap.TakenAt,
		"nodes", len(snap.Nodes), "edges", len(snap.Edges), "skipped", skipped)
	s.bus.Publish(Event{Type: EventGraphRestored, Payload: map[string]any{
		"snapshot": snap.ID,
		"nodes":    len(snap.Nodes),
		"edges":    len(snap.Edges),
		"skipped":  skipped,
	}})
	return nil
}

// Save stores a snapshot of the graph and layout
func (s *TopologyService) Save(ctx context.Context) (repository.SnapshotInfo, error) {
	if s.store == nil {
		return repository.SnapshotInfo{}, errors.New("no snapshot store configured")
	}
	snap := s.graph.Snapshot()
	info, err := s.store.SaveSnapshot(ctx, &repository.Snapshot{
		GraphVersion: snap.Version(),
		TakenAt:      s.opts.Clock(),
		Nodes:        snap.Nodes(),
		Edges:        snap.Edges(),
		Positions:    repository.PositionsFrom(s.layout.Positions(), s.layout.Pinned),
	})
	if err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("save snapshot: %w", err)
	}

	s.mu.Lock()
	s.lastSaved = snap.Version()
	s.mu.Unlock()

	s.logger.Debug("saved snapshot", "id", info.ID, "nodes", info.NodeCount, "edges", info.EdgeCount)
	s.bus.Publish(Event{Type: EventSnapshotSaved, Payload: info})
	return info, nil
}

// saveIfChanged saves only when the graph moved since the last save
func (s *TopologyService) saveIfChanged(ctx context.Context) (bool, error) {
	s.mu.RLock()
	last := s.lastSaved
	s.mu.RUnlock()
	if s.graph.Version() == last {
		return false, nil
	}
	if _, err := s.Save(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshots lists stored snapshots, newest first
func (s *TopologyService) Snapshots(ctx context.Context, limit int) ([]repository.SnapshotInfo, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSnapshots(ctx, limit)
}
