// Package merge turns the stream of discovery events produced by probe sources
// into updates of the topology graph.
//
// The Engine is the only writer of the graph. Every event is validated before
// anything is touched, so a rejected event never leaves a partial node behind.
// Field-level rules make merging commutative enough that duplicates and
// out-of-order delivery converge to the same state:
//
//   - first_seen only moves earlier, last_seen only moves later
//   - hostnames and vendors only change to an equally or more authoritative
//     source, and at equal authority only to a newer observation
//   - a MAC address only changes to a newer observation
//   - ports are upserted and never dropped by a rescan
//   - hops are kept per TTL from the newest traceroute; a newer final hop
//     cuts off the older chain beyond it
//   - an OS fingerprint is replaced by a more accurate one, by an equally
//     accurate newer one, or by any fingerprint once it is stale
//   - edge connection types only upgrade
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"netatlas/internal/classifier"
	"netatlas/internal/domain"
	"netatlas/internal/graph"
	"netatlas/internal/oui"
)

var (
	// ErrInvalidAddress is returned for targets or hop addresses that do not parse
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidEvent is returned for structurally malformed events
	ErrInvalidEvent = errors.New("invalid discovery event")
)

// Gateway binds a local subnet to the router that serves it
type Gateway struct {
	Subnet netip.Prefix
	Addr   netip.Addr
}

// Config controls merge policy
type Config struct {
	Gateways []Gateway
	// LocalAddr is the observer's own address; when set, traceroute TTL 1
	// hops are linked to it
	LocalAddr netip.Addr
	// OSStaleAfter lets a less accurate fingerprint replace an old one
	OSStaleAfter time.Duration
	// EvictAfter removes nodes not seen for this long; zero disables eviction
	EvictAfter time.Duration
	Weights    classifier.Weights
}

// DefaultConfig returns the stock merge policy
func DefaultConfig() Config {
	return Config{
		OSStaleAfter: 24 * time.Hour,
		Weights:      classifier.DefaultWeights(),
	}
}

// GeoResolver looks up location data for public addresses
type GeoResolver interface {
	Resolve(addr netip.Addr) (*domain.GeoInfo, bool)
}

// ChangeKind describes a graph change published by the engine
type ChangeKind string

const (
	ChangeNodeCreated ChangeKind = "node_created"
	ChangeNodeUpdated ChangeKind = "node_updated"
	ChangeNodeEvicted ChangeKind = "node_evicted"
	ChangeEdgeUpdated ChangeKind = "edge_updated"
)

// Change is a notification about one node or edge
type Change struct {
	Kind    ChangeKind    `json:"kind"`
	Node    domain.NodeID `json:"node"`
	Peer    domain.NodeID `json:"peer,omitzero"` // other endpoint for edge changes
	Source  string        `json:"source,omitempty"`
	Version uint64        `json:"version"`
}

// Publisher receives change notifications
type Publisher interface {
	PublishChange(Change)
}

// Metrics counts engine activity
type Metrics struct {
	Applied       atomic.Uint64
	Rejected      atomic.Uint64
	NodesCreated  atomic.Uint64
	EdgesUpserted atomic.Uint64
	Evicted       atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Applied       uint64 `json:"applied"`
	Rejected      uint64 `json:"rejected"`
	NodesCreated  uint64 `json:"nodes_created"`
	EdgesUpserted uint64 `json:"edges_upserted"`
	Evicted       uint64 `json:"evicted"`
}

// Engine merges discovery events into a graph
type Engine struct {
	mu         sync.Mutex
	graph      *graph.Graph
	cfg        Config
	classifier *classifier.Classifier
	geo        GeoResolver
	log        *slog.Logger
	metrics    Metrics

	pubMu sync.RWMutex
	pubs  []Publisher
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithGeoResolver enables GeoInfo lookups for newly created public nodes
func WithGeoResolver(r GeoResolver) Option {
	return func(e *Engine) { e.geo = r }
}

// New creates an engine writing into g
func New(g *graph.Graph, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		graph:      g,
		cfg:        cfg,
		classifier: classifier.New(cfg.Weights),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "merge")
	return e
}

// Graph returns the graph the engine writes to
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Subscribe registers a publisher for change notifications
func (e *Engine) Subscribe(p Publisher) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	e.pubs = append(e.pubs, p)
}

func (e *Engine) publish(c Change) {
	c.Version = e.graph.Version()
	e.pubMu.RLock()
	defer e.pubMu.RUnlock()
	for _, p := range e.pubs {
		p.PublishChange(c)
	}
}

// SetConfig swaps merge policy at runtime
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.classifier = classifier.New(cfg.Weights)
}

// Metrics returns a copy of the engine counters
func (e *Engine) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Applied:       e.metrics.Applied.Load(),
		Rejected:      e.metrics.Rejected.Load(),
		NodesCreated:  e.metrics.NodesCreated.Load(),
		EdgesUpserted: e.metrics.EdgesUpserted.Load(),
		Evicted:       e.metrics.Evicted.Load(),
	}
}

// Run applies events until ctx is cancelled or the channel is closed.
// Rejected events are logged and dropped.
func (e *Engine) Run(ctx context.Context, events <-chan domain.DiscoveryEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = e.Apply(ev)
		}
	}
}

// Apply merges a single event into the graph
func (e *Engine) Apply(ev domain.DiscoveryEvent) error {
	in, err := parseEvent(ev)
	if err != nil {
		e.metrics.Rejected.Add(1)
		e.log.Warn("discovery event rejected",
			"kind", ev.Kind, "target", ev.Target, "source", ev.Source, "err", err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m := &mutation{engine: e, source: ev.Source, ts: ev.Timestamp}
	switch {
	case ev.Sweep != nil:
		e.applySweep(m, in, ev.Sweep)
	case ev.MDNS != nil:
		e.applyMDNS(m, in, ev.MDNS)
	case ev.Hop != nil:
		e.applyHop(m, in, ev.Hop)
	case ev.PortScan != nil:
		e.applyPorts(m, in, ev.PortScan)
	case ev.OSFingerprint != nil:
		e.applyOS(m, in, ev.OSFingerprint)
	}
	m.flush()

	e.metrics.Applied.Add(1)
	return nil
}

// parsed carries the addresses extracted from an event during validation
type parsed struct {
	target domain.NodeID
	hop    domain.NodeID // zero when the hop timed out
	mac    string
}

// parseEvent validates every address and field an event carries before any
// graph mutation happens
func parseEvent(ev domain.DiscoveryEvent) (parsed, error) {
	var p parsed
	if err := ev.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	target, err := parseAddr(ev.Target)
	if err != nil {
		return p, err
	}
	p.target = target

	switch {
	case ev.Sweep != nil:
		if ev.Sweep.MAC != "" {
			mac, ok := oui.NormalizeMAC(ev.Sweep.MAC)
			if !ok {
				return p, fmt.Errorf("%w: bad mac %q", ErrInvalidEvent, ev.Sweep.MAC)
			}
			p.mac = mac
		}
		if l := ev.Sweep.LatencyMs; l != nil && (*l < 0 || math.IsNaN(*l)) {
			return p, fmt.Errorf("%w: latency %v", ErrInvalidEvent, *l)
		}
	case ev.Hop != nil:
		if ev.Hop.HopAddr != "" {
			hop, err := parseAddr(ev.Hop.HopAddr)
			if err != nil {
				return p, err
			}
			p.hop = hop
		}
		if ev.Hop.RTTMs < 0 {
			return p, fmt.Errorf("%w: rtt %v", ErrInvalidEvent, ev.Hop.RTTMs)
		}
	case ev.PortScan != nil:
		for _, port := range ev.PortScan.Ports {
			if port.Port == 0 {
				return p, fmt.Errorf("%w: port 0", ErrInvalidEvent)
			}
			if port.Protocol != "" {
				if _, ok := domain.ParseProtocol(string(port.Protocol)); !ok {
					return p, fmt.Errorf("%w: protocol %q", ErrInvalidEvent, port.Protocol)
				}
			}
		}
	case ev.MDNS != nil:
		for _, svc := range ev.MDNS.Services {
			if svc.Protocol != "" {
				if _, ok := domain.ParseProtocol(string(svc.Protocol)); !ok {
					return p, fmt.Errorf("%w: protocol %q", ErrInvalidEvent, svc.Protocol)
				}
			}
		}
	}
	return p, nil
}

func parseAddr(s string) (domain.NodeID, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return domain.NodeID{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() || addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return domain.NodeID{}, fmt.Errorf("%w: %q is not a host address", ErrInvalidAddress, s)
	}
	return domain.NewNodeID(addr), nil
}

// mutation collects the nodes and edges touched by one event so that
// notifications happen once per node
type mutation struct {
	engine  *Engine
	source  string
	ts      time.Time
	created map[domain.NodeID]bool
	before  map[domain.NodeID]domain.NodeData
	order   []domain.NodeID
	edges   []Change
}

// node returns the node for id, creating it at the event timestamp if needed
func (m *mutation) node(id domain.NodeID) domain.NodeData {
	return m.upsert(id, nil)
}

// update ensures the node exists and applies fn to it
func (m *mutation) update(id domain.NodeID, fn func(*domain.NodeData)) {
	m.upsert(id, fn)
}

// upsert applies fn and reclassifies the node inside a single graph write, so
// readers never see merged fields next to a stale device type or risk score
func (m *mutation) upsert(id domain.NodeID, fn func(*domain.NodeData)) domain.NodeData {
	e := m.engine
	if m.before == nil {
		m.before = make(map[domain.NodeID]domain.NodeData)
		m.created = make(map[domain.NodeID]bool)
	}
	_, seen := m.before[id]
	if !seen {
		m.order = append(m.order, id)
	}

	if n, ok := e.graph.Node(id); ok {
		if !seen {
			m.before[id] = n
		}
		if fn != nil {
			e.graph.UpdateNode(id, func(n *domain.NodeData) {
				fn(n)
				e.classify(n)
			})
		}
		return n
	}

	n := domain.NewNodeData(id, m.ts)
	if e.geo != nil && isPublic(id.Addr()) {
		if geo, ok := e.geo.Resolve(id.Addr()); ok {
			n.Geo = geo
		}
	}
	if !seen {
		m.before[id] = n
	}
	if fn != nil {
		fn(&n)
	}
	e.classify(&n)
	if _, err := e.graph.AddNode(n); err != nil {
		// ids reaching here were validated by parseEvent
		e.log.Error("add node failed", "node", id, "err", err)
		return n
	}
	m.created[id] = true
	e.metrics.NodesCreated.Add(1)
	return n
}

func (e *Engine) classify(n *domain.NodeData) {
	n.DeviceType, n.RiskScore = e.classifier.Classify(n.Ports, n.OS, n.Vendor, n.Hostname)
}

// edge upserts a link between two nodes that already exist
func (m *mutation) edge(a, b domain.NodeID, data domain.EdgeData) {
	if a == b {
		return
	}
	if _, err := m.engine.graph.AddEdge(a, b, data); err != nil {
		m.engine.log.Debug("edge skipped", "a", a, "b", b, "err", err)
		return
	}
	m.engine.metrics.EdgesUpserted.Add(1)
	m.edges = append(m.edges, Change{Kind: ChangeEdgeUpdated, Node: a, Peer: b, Source: m.source})
}

// flush publishes notifications for every touched node and edge
func (m *mutation) flush() {
	e := m.engine
	for _, id := range m.order {
		after, ok := e.graph.Node(id)
		if !ok {
			continue
		}
		switch {
		case m.created[id]:
			e.publish(Change{Kind: ChangeNodeCreated, Node: id, Source: m.source})
		case !reflect.DeepEqual(m.before[id], after):
			e.publish(Change{Kind: ChangeNodeUpdated, Node: id, Source: m.source})
		}
	}
	for _, c := range m.edges {
		e.publish(c)
	}
}

func isPublic(addr netip.Addr) bool {
	return addr.IsGlobalUnicast() && !addr.IsPrivate()
}

// Link adds an operator-asserted edge between two existing nodes
func (e *Engine) Link(a, b domain.NodeID, ts time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.graph.AddEdge(a, b, domain.EdgeData{Type: domain.ConnectionManual, UpdatedAt: ts}); err != nil {
		return fmt.Errorf("link %s-%s: %w", a, b, err)
	}
	e.metrics.EdgesUpserted.Add(1)
	e.publish(Change{Kind: ChangeEdgeUpdated, Node: a, Peer: b, Source: "manual"})
	return nil
}

// Evict removes nodes whose last observation is older than Config.EvictAfter.
// Configured gateways and the observer itself are never evicted.
func (e *Engine) Evict(now time.Time) []domain.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.EvictAfter <= 0 {
		return nil
	}
	cutoff := now.Add(-e.cfg.EvictAfter)

	keep := make(map[domain.NodeID]bool, len(e.cfg.Gateways)+1)
	for _, gw := range e.cfg.Gateways {
		keep[domain.NewNodeID(gw.Addr)] = true
	}
	if e.cfg.LocalAddr.IsValid() {
		keep[domain.NewNodeID(e.cfg.LocalAddr)] = true
	}

	var stale []domain.NodeID
	e.graph.RangeNodes(func(n domain.NodeData) bool {
		if !keep[n.ID] && n.LastSeen.Before(cutoff) {
			stale = append(stale, n.ID)
		}
		return true
	})

	for _, id := range stale {
		if e.graph.RemoveNode(id) {
			e.metrics.Evicted.Add(1)
			e.publish(Change{Kind: ChangeNodeEvicted, Node: id})
		}
	}
	if len(stale) > 0 {
		e.log.Info("evicted stale nodes", "count", len(stale), "older_than", e.cfg.EvictAfter)
	}
	return stale
}
