package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"netatlas/internal/domain"
	"netatlas/internal/repository"
)

// ============================================================================
// Null Type Conversion Helpers
// ============================================================================

// nullToBool converts sql.NullInt64 to bool (0 = false, non-zero = true)
func nullToBool(ni sql.NullInt64) bool {
	return ni.Valid && ni.Int64 != 0
}

// stringToNull safely converts string to sql.NullString
func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// floatPtrToNull converts an optional measurement to sql.NullFloat64
func floatPtrToNull(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Times are stored as Unix nanoseconds so they sort and round-trip exactly
func timeToInt(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func intToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// ============================================================================
// Schema Evolution Guide
// ============================================================================
//
// To add a new indexed column to the nodes table:
// 1. Add field to nodeRow struct (below)
// 2. Update scanArgs() - APPEND to end to match column order
// 3. Update nodeColumns constant - APPEND to end
// 4. Update nodeInsertArgs() and the VALUES placeholder count in sqlite.go
// 5. Add the column to the CREATE TABLE in migrate()
//
// CRITICAL: Column order must match between:
// - nodeColumns constant
// - scanArgs() return slice
// - nodeInsertArgs() return slice
//
// The data column always holds the complete record; indexed columns are
// copies for querying and are not read back. Same pattern applies to edges.

// ============================================================================
// Snapshot Row Scanner
// ============================================================================

type snapshotRow struct {
	ID           string
	GraphVersion int64
	TakenAt      int64
	NodeCount    int
	EdgeCount    int
}

// scanArgs MUST match snapshotColumns order exactly
func (r *snapshotRow) scanArgs() []any {
	return []any{&r.ID, &r.GraphVersion, &r.TakenAt, &r.NodeCount, &r.EdgeCount}
}

func (r *snapshotRow) toDomain() repository.SnapshotInfo {
	return repository.SnapshotInfo{
		ID:           r.ID,
		GraphVersion: uint64(r.GraphVersion),
		TakenAt:      intToTime(r.TakenAt),
		NodeCount:    r.NodeCount,
		EdgeCount:    r.EdgeCount,
	}
}

const snapshotColumns = `id, graph_version, taken_at, node_count, edge_count`

// ============================================================================
// Node Row Scanner
// ============================================================================

// nodeRow holds all columns from a node query for scanning
type nodeRow struct {
	IP         string
	MAC        sql.NullString
	Hostname   sql.NullString
	Vendor     sql.NullString
	DeviceType string
	RiskScore  int
	FirstSeen  int64
	LastSeen   int64
	Data       []byte
}

// scanArgs returns pointers to all fields for sql.Scan()
// MUST match nodeColumns order exactly:
// ip, mac, hostname, vendor, device_type, risk_score, first_seen, last_seen, data
func (r *nodeRow) scanArgs() []any {
	return []any{
		&r.IP,         // 1
		&r.MAC,        // 2
		&r.Hostname,   // 3
		&r.Vendor,     // 4
		&r.DeviceType, // 5
		&r.RiskScore,  // 6
		&r.FirstSeen,  // 7
		&r.LastSeen,   // 8
		&r.Data,       // 9
	}
}

// toDomain decodes the stored record. The address column is the identity
// and wins over the JSON copy.
func (r *nodeRow) toDomain() (domain.NodeData, error) {
	var n domain.NodeData
	if err := json.Unmarshal(r.Data, &n); err != nil {
		return domain.NodeData{}, fmt.Errorf("unmarshal node data: %w", err)
	}
	id, err := domain.ParseNodeID(r.IP)
	if err != nil {
		return domain.NodeData{}, err
	}
	n.ID = id
	return n, nil
}

// nodeColumns returns the column list for node queries
const nodeColumns = `ip, mac, hostname, vendor, device_type, risk_score, first_seen, last_seen, data`

// nodeInsertArgs prepares arguments for node INSERT in nodeColumns order
func nodeInsertArgs(n *domain.NodeData) ([]any, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal node: %w", err)
	}
	return []any{
		n.ID.String(),
		stringToNull(n.MAC),
		stringToNull(n.Hostname),
		stringToNull(n.Vendor),
		string(n.DeviceType),
		n.RiskScore,
		timeToInt(n.FirstSeen),
		timeToInt(n.LastSeen),
		data,
	}, nil
}

// ============================================================================
// Edge Row Scanner
// ============================================================================

// edgeRow holds all columns from an edge query for scanning
type edgeRow struct {
	A         string
	B         string
	Type      string
	LatencyMs sql.NullFloat64
	Data      []byte
}

// scanArgs returns pointers to all fields for sql.Scan()
// MUST match edgeColumns order exactly:
// node_a, node_b, type, latency_ms, data
func (r *edgeRow) scanArgs() []any {
	return []any{
		&r.A,         // 1
		&r.B,         // 2
		&r.Type,      // 3
		&r.LatencyMs, // 4
		&r.Data,      // 5
	}
}

// toDomain converts the scanned row to a domain.Edge
func (r *edgeRow) toDomain() (domain.Edge, error) {
	a, err := domain.ParseNodeID(r.A)
	if err != nil {
		return domain.Edge{}, err
	}
	b, err := domain.ParseNodeID(r.B)
	if err != nil {
		return domain.Edge{}, err
	}
	e := domain.Edge{A: a, B: b}
	if err := json.Unmarshal(r.Data, &e.Data); err != nil {
		return domain.Edge{}, fmt.Errorf("unmarshal edge data: %w", err)
	}
	return e, nil
}

// edgeColumns returns the column list for edge queries
const edgeColumns = `node_a, node_b, type, latency_ms, data`

// edgeInsertArgs prepares arguments for edge INSERT in edgeColumns order
func edgeInsertArgs(e *domain.Edge) ([]any, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal edge: %w", err)
	}
	return []any{
		e.A.String(),
		e.B.String(),
		e.Data.Type.String(),
		floatPtrToNull(e.Data.LatencyMs),
		data,
	}, nil
}
