package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netatlas/internal/codec"
	"netatlas/internal/domain"
	"netatlas/internal/graph"
	"netatlas/internal/layout"
	"netatlas/internal/merge"
	"netatlas/internal/render"
	"netatlas/internal/repository"
	"netatlas/internal/repository/sqlite"
)

var ts0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newStore(t *testing.T) repository.Store {
	t.Helper()
	repo, err := sqlite.New(":memory:", sqlite.WithLogger(quiet()))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newService(t *testing.T, store repository.Store, mutate ...func(*Options)) *TopologyService {
	t.Helper()
	cfg := merge.DefaultConfig()
	cfg.Gateways = []merge.Gateway{{
		Subnet: netip.MustParsePrefix("10.0.0.0/24"),
		Addr:   netip.MustParseAddr("10.0.0.1"),
	}}
	engine := merge.New(graph.New(), cfg, merge.WithLogger(quiet()))
	opts := DefaultOptions()
	opts.Clock = func() time.Time { return ts0.Add(time.Hour) }
	opts.LayoutInterval = 5 * time.Millisecond
	for _, fn := range mutate {
		fn(&opts)
	}
	return New(engine, layout.New(layout.DefaultConfig()), store, NewEventBus(), opts, quiet())
}

func sweep(ip string, rtt float64) domain.DiscoveryEvent {
	return domain.NewSweepEvent(ip, ts0, domain.SweepHit{LatencyMs: domain.Float64(rtt), Method: "icmp"})
}

func TestService_RunMergesAndSavesOnExit(t *testing.T) {
	store := newStore(t)
	svc := newService(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	svc.Events() <- sweep("10.0.0.5", 2)
	svc.Events() <- sweep("10.0.0.6", 4)

	// two hosts plus the gateway they hang off
	require.Eventually(t, func() bool { return svc.Stats().NodeCount == 3 }, 2*time.Second, 5*time.Millisecond)
	st := svc.Stats()
	assert.Equal(t, 2, st.EdgeCount)
	assert.Equal(t, 2, st.LatencyEdges)
	assert.InDelta(t, 3.0, st.AverageLatencyMs, 1e-9)

	require.Eventually(t, func() bool { return len(svc.Positions()) == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	list, err := store.ListSnapshots(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].NodeCount)
}

func TestService_SaveAndRestore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := newService(t, store)
	require.NoError(t, first.Apply(sweep("10.0.0.5", 2)))
	first.StepLayout(10)
	pinned := domain.Vec2{X: 500, Y: -250}
	require.NoError(t, first.Pin(domain.MustNodeID("10.0.0.1"), pinned))

	info, err := first.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.NodeCount)

	// nothing changed since the save
	saved, err := first.saveIfChanged(ctx)
	require.NoError(t, err)
	assert.False(t, saved)

	second := newService(t, store)
	require.NoError(t, second.Restore(ctx))
	assert.Equal(t, 2, second.Stats().NodeCount)
	assert.Equal(t, 1, second.Stats().EdgeCount)

	gw := domain.MustNodeID("10.0.0.1")
	assert.Equal(t, pinned, second.Positions()[gw])
	second.StepLayout(20)
	assert.Equal(t, pinned, second.Positions()[gw], "pinned node moved after restore")
}

func TestService_RestoreWithoutSnapshot(t *testing.T) {
	svc := newService(t, newStore(t))
	require.NoError(t, svc.Restore(context.Background()))
	assert.Equal(t, 0, svc.Stats().NodeCount)

	noStore := newService(t, nil)
	require.NoError(t, noStore.Restore(context.Background()))
	_, err := noStore.Save(context.Background())
	assert.Error(t, err)
}

func TestService_LinkAndRender(t *testing.T) {
	svc := newService(t, nil)
	require.NoError(t, svc.Apply(sweep("10.0.0.5", 2)))
	require.NoError(t, svc.Apply(domain.NewSweepEvent("192.168.9.9", ts0, domain.SweepHit{})))

	a, b := domain.MustNodeID("10.0.0.5"), domain.MustNodeID("192.168.9.9")
	require.NoError(t, svc.Link(a, b))
	assert.ErrorIs(t, svc.Link(a, a), graph.ErrSelfEdge)
	assert.ErrorIs(t, svc.Link(a, domain.MustNodeID("172.16.0.1")), graph.ErrUnknownNode)

	node, ok := svc.Snapshot().Node(b)
	require.True(t, ok)
	assert.Equal(t, b, node.ID)
	assert.Contains(t, svc.Neighbors(b), a)

	svc.StepLayout(50)
	frame := svc.Render(render.DefaultViewState(), render.Viewport{})
	assert.Equal(t, render.LODHigh, frame.Level)
	assert.Len(t, frame.Nodes, 3)
	assert.Len(t, frame.Edges, 2)
	assert.Zero(t, frame.Unplaced)

	p := svc.Policy()
	p.SmallGraph = 0
	p.LargeGraph = 1
	svc.SetPolicy(p)
	frame = svc.Render(render.DefaultViewState(), render.Viewport{})
	assert.Equal(t, render.LODLow, frame.Level)
}

func TestService_ExportImport(t *testing.T) {
	src := newService(t, nil)
	require.NoError(t, src.Apply(sweep("10.0.0.5", 2)))
	require.NoError(t, src.Apply(sweep("10.0.0.9", 3)))
	src.StepLayout(5)

	var buf bytes.Buffer
	require.NoError(t, src.Export("yaml", &buf))
	assert.Error(t, src.Export("graphml", io.Discard))

	doc, err := codec.NewYAMLCodec().Parse(&buf)
	require.NoError(t, err)

	dst := newService(t, nil)
	events := make(chan Event, 8)
	dst.Bus().Subscribe(events)

	skipped, err := dst.Import(doc)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Equal(t, 3, dst.Stats().NodeCount)
	assert.Equal(t, src.Positions(), dst.Positions())

	ev := <-events
	assert.Equal(t, EventGraphRestored, ev.Type)

	bad := &codec.Document{Edges: []domain.Edge{{A: domain.MustNodeID("10.0.0.1"), B: domain.MustNodeID("10.0.0.2")}}}
	_, err = dst.Import(bad)
	assert.ErrorIs(t, err, graph.ErrUnknownNode)
}

func TestService_PinValidation(t *testing.T) {
	svc := newService(t, nil)
	assert.ErrorIs(t, svc.Pin(domain.MustNodeID("10.0.0.5"), domain.Vec2{}), graph.ErrUnknownNode)

	require.NoError(t, svc.Apply(sweep("10.0.0.5", 1)))
	nan := 0.0
	assert.Error(t, svc.Pin(domain.MustNodeID("10.0.0.5"), domain.Vec2{X: nan / nan}))
}

func TestService_ApplyLayout(t *testing.T) {
	svc := newService(t, nil)
	for _, ip := range []string{"10.0.0.5", "10.0.0.6", "10.0.0.7"} {
		require.NoError(t, svc.Apply(sweep(ip, 1)))
	}
	svc.ApplyLayout(layout.Circular)
	st := svc.Layout()
	assert.Equal(t, layout.Circular, st.Type)
	assert.True(t, st.Converged)
	assert.Len(t, st.Positions, 4)
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	fast := make(chan Event, 4)
	slow := make(chan Event)
	bus.Subscribe(fast)
	bus.Subscribe(slow)

	bus.PublishChange(merge.Change{Kind: merge.ChangeNodeCreated, Node: domain.MustNodeID("10.0.0.5")})
	ev := <-fast
	assert.Equal(t, EventNodeCreated, ev.Type)
	assert.Equal(t, "node_created", ev.EventName())

	bus.Unsubscribe(fast)
	bus.Publish(Event{Type: EventSnapshotSaved})
	assert.Len(t, fast, 0)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Event, 1)
	go bus.Forward(ctx, 4, func(e Event) { got <- e })
	require.Eventually(t, func() bool {
		bus.Publish(Event{Type: EventLayoutSettled})
		select {
		case e := <-got:
			return e.Type == EventLayoutSettled
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	cancel()
}
