package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"netatlas/internal/domain"
	"netatlas/internal/repository"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newTestRepo creates an in-memory SQLite repository for testing
func newTestRepo(t *testing.T, opts ...Option) *Repository {
	t.Helper()
	repo, err := New(":memory:", opts...)
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	t.Cleanup(func() {
		repo.Close()
	})
	return repo
}

// assertNoError fails the test if err is not nil
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertEqual fails the test if expected != actual
func assertEqual(t *testing.T, expected, actual any) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		t.Fatalf("expected %v, got %v", expected, actual)
	}
}

func countRows(t *testing.T, repo *Repository, table string) int {
	t.Helper()
	var n int
	assertNoError(t, repo.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

var (
	ts0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gw  = domain.MustNodeID("192.168.1.1")
	nas = domain.MustNodeID("192.168.1.20")
	cam = domain.MustNodeID("192.168.1.31")
)

func sampleSnapshot() *repository.Snapshot {
	router := domain.NewNodeData(gw, ts0)
	router.MAC = "aa:bb:cc:00:00:01"
	router.Hostname = "gw.lan"
	router.HostnameSource = domain.ProvenanceReverseDNS
	router.DeviceType = domain.DeviceTypeRouter
	router.RiskScore = 35
	router.OS = &domain.OSInfo{Family: "RouterOS", Vendor: "MikroTik", Accuracy: 85, ObservedAt: ts0}
	router.Ports = []domain.PortInfo{
		{Port: 22, Protocol: domain.ProtocolTCP, Service: "ssh"},
		{Port: 161, Protocol: domain.ProtocolUDP, Service: "snmp"},
	}

	storage := domain.NewNodeData(nas, ts0.Add(time.Minute))
	storage.DeviceType = domain.DeviceTypeNAS
	storage.RiskScore = 40
	storage.Hops = []domain.Hop{{TTL: 1, IP: gw, RTTMs: 0.4}, {TTL: 2, IP: nas, RTTMs: 1.1}}

	camera := domain.NewNodeData(cam, ts0.Add(2*time.Minute))
	camera.DeviceType = domain.DeviceTypeCamera
	camera.RiskScore = 82
	camera.Geo = &domain.GeoInfo{Country: "NL", ASN: 64500}

	return &repository.Snapshot{
		GraphVersion: 42,
		TakenAt:      ts0.Add(time.Hour),
		Nodes:        []domain.NodeData{router, storage, camera},
		Edges: []domain.Edge{
			{A: gw, B: nas, Data: domain.EdgeData{Type: domain.ConnectionLocalSubnet, LatencyMs: domain.Float64(1.5), UpdatedAt: ts0}},
			{A: gw, B: cam, Data: domain.EdgeData{Type: domain.ConnectionTracerouteHop, HopCount: domain.Int(1), Upstream: gw, UpdatedAt: ts0}},
		},
		Positions: map[domain.NodeID]repository.Position{
			gw:  {Vec2: domain.Vec2{X: 0, Y: 0}, Pinned: true},
			nas: {Vec2: domain.Vec2{X: 120.5, Y: -40}},
		},
	}
}

// ============================================================================
// Helper Function Tests
// ============================================================================

func TestStringToNull(t *testing.T) {
	assertEqual(t, sql.NullString{}, stringToNull(""))
	assertEqual(t, sql.NullString{String: "x", Valid: true}, stringToNull("x"))
}

func TestTimeConversion(t *testing.T) {
	assertEqual(t, int64(0), timeToInt(time.Time{}))
	if !intToTime(0).IsZero() {
		t.Fatal("expected zero time for 0")
	}
	local := ts0.In(time.FixedZone("CEST", 2*3600)).Add(123 * time.Nanosecond)
	if got := intToTime(timeToInt(local)); !got.Equal(local) {
		t.Fatalf("expected %v, got %v", local, got)
	}
}

// ============================================================================
// Repository Tests
// ============================================================================

func TestNew_MigrateIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	assertNoError(t, repo.migrate())
	assertEqual(t, 0, countRows(t, repo, "snapshots"))
}

func TestSaveSnapshot_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	in := sampleSnapshot()
	info, err := repo.SaveSnapshot(ctx, in)
	assertNoError(t, err)

	if _, err := uuid.Parse(info.ID); err != nil {
		t.Fatalf("expected uuid id, got %q", info.ID)
	}
	assertEqual(t, in.ID, info.ID)
	assertEqual(t, 3, info.NodeCount)
	assertEqual(t, 2, info.EdgeCount)

	out, err := repo.LoadSnapshot(ctx, info.ID)
	assertNoError(t, err)
	assertEqual(t, uint64(42), out.GraphVersion)
	if !out.TakenAt.Equal(in.TakenAt) {
		t.Fatalf("expected taken_at %v, got %v", in.TakenAt, out.TakenAt)
	}

	if len(out.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(out.Nodes))
	}
	// ordered by first_seen
	assertEqual(t, gw, out.Nodes[0].ID)
	assertEqual(t, cam, out.Nodes[2].ID)

	router := out.Nodes[0]
	assertEqual(t, "gw.lan", router.Hostname)
	assertEqual(t, domain.ProvenanceReverseDNS, router.HostnameSource)
	assertEqual(t, in.Nodes[0].Ports, router.Ports)
	if router.OS == nil || router.OS.Family != "RouterOS" || router.OS.Accuracy != 85 || !router.OS.ObservedAt.Equal(ts0) {
		t.Fatalf("unexpected os: %+v", router.OS)
	}
	if !router.FirstSeen.Equal(ts0) || !router.LastSeen.Equal(ts0) {
		t.Fatalf("unexpected timestamps: %v %v", router.FirstSeen, router.LastSeen)
	}

	assertEqual(t, in.Nodes[1].Hops, out.Nodes[1].Hops)
	assertEqual(t, in.Nodes[2].Geo, out.Nodes[2].Geo)

	if len(out.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(out.Edges))
	}
	for _, e := range out.Edges {
		switch e.B {
		case nas:
			assertEqual(t, domain.ConnectionLocalSubnet, e.Data.Type)
			if e.Data.LatencyMs == nil || *e.Data.LatencyMs != 1.5 {
				t.Fatalf("unexpected latency: %v", e.Data.LatencyMs)
			}
		case cam:
			assertEqual(t, domain.ConnectionTracerouteHop, e.Data.Type)
			assertEqual(t, gw, e.Data.Upstream)
			if e.Data.LatencyMs != nil {
				t.Fatal("unmeasured latency should stay nil")
			}
		default:
			t.Fatalf("unexpected edge %s-%s", e.A, e.B)
		}
	}

	assertEqual(t, in.Positions, out.Positions)
}

func TestSaveSnapshot_SkipsNonFinitePositions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	in := sampleSnapshot()
	nan := 0.0
	in.Positions[cam] = repository.Position{Vec2: domain.Vec2{X: nan / nan, Y: 1}}

	info, err := repo.SaveSnapshot(ctx, in)
	assertNoError(t, err)
	out, err := repo.LoadSnapshot(ctx, info.ID)
	assertNoError(t, err)
	if _, ok := out.Positions[cam]; ok {
		t.Fatal("NaN position should not be stored")
	}
	assertEqual(t, 2, len(out.Positions))
}

func TestSaveSnapshot_DuplicateNodeRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	in := sampleSnapshot()
	in.Nodes = append(in.Nodes, domain.NewNodeData(gw, ts0))

	if _, err := repo.SaveSnapshot(ctx, in); err == nil {
		t.Fatal("expected error for duplicate node")
	}
	assertEqual(t, 0, countRows(t, repo, "snapshots"))
	assertEqual(t, 0, countRows(t, repo, "nodes"))
}

func TestLatestSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.LatestSnapshot(ctx); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	first := sampleSnapshot()
	_, err := repo.SaveSnapshot(ctx, first)
	assertNoError(t, err)

	second := sampleSnapshot()
	second.GraphVersion = 50
	second.TakenAt = first.TakenAt.Add(time.Minute)
	second.Nodes = second.Nodes[:1]
	second.Edges = nil
	_, err = repo.SaveSnapshot(ctx, second)
	assertNoError(t, err)

	latest, err := repo.LatestSnapshot(ctx)
	assertNoError(t, err)
	assertEqual(t, second.ID, latest.ID)
	assertEqual(t, uint64(50), latest.GraphVersion)
	assertEqual(t, 1, len(latest.Nodes))
	assertEqual(t, 0, len(latest.Edges))
}

func TestLoadSnapshot_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.LoadSnapshot(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetention(t *testing.T) {
	repo := newTestRepo(t, WithRetention(2))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s := sampleSnapshot()
		s.GraphVersion = uint64(i)
		s.TakenAt = ts0.Add(time.Duration(i) * time.Minute)
		info, err := repo.SaveSnapshot(ctx, s)
		assertNoError(t, err)
		ids = append(ids, info.ID)
	}

	list, err := repo.ListSnapshots(ctx, 0)
	assertNoError(t, err)
	if len(list) != 2 {
		t.Fatalf("expected 2 retained snapshots, got %d", len(list))
	}
	assertEqual(t, ids[2], list[0].ID)
	assertEqual(t, ids[1], list[1].ID)

	// records of the pruned snapshot go with it
	assertEqual(t, 6, countRows(t, repo, "nodes"))
	assertEqual(t, 4, countRows(t, repo, "edges"))
	assertEqual(t, 4, countRows(t, repo, "positions"))
}

func TestListSnapshots_Limit(t *testing.T) {
	repo := newTestRepo(t, WithRetention(0))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		s := sampleSnapshot()
		s.TakenAt = ts0.Add(time.Duration(i) * time.Second)
		_, err := repo.SaveSnapshot(ctx, s)
		assertNoError(t, err)
	}

	list, err := repo.ListSnapshots(ctx, 3)
	assertNoError(t, err)
	assertEqual(t, 3, len(list))
	if !list[0].TakenAt.After(list[1].TakenAt) {
		t.Fatal("expected newest first")
	}
	assertEqual(t, 3, list[0].NodeCount)
}

func TestDeleteSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	info, err := repo.SaveSnapshot(ctx, sampleSnapshot())
	assertNoError(t, err)

	assertNoError(t, repo.DeleteSnapshot(ctx, info.ID))
	assertEqual(t, 0, countRows(t, repo, "nodes"))
	assertEqual(t, 0, countRows(t, repo, "edges"))
	assertEqual(t, 0, countRows(t, repo, "positions"))

	if err := repo.DeleteSnapshot(ctx, info.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestPositionsFrom(t *testing.T) {
	pos := map[domain.NodeID]domain.Vec2{gw: {X: 1, Y: 2}, nas: {X: 3, Y: 4}}
	out := repository.PositionsFrom(pos, func(id domain.NodeID) bool { return id == gw })
	assertEqual(t, repository.Position{Vec2: domain.Vec2{X: 1, Y: 2}, Pinned: true}, out[gw])
	assertEqual(t, false, out[nas].Pinned)
}
