package repository

import (
	"context"
	"errors"
	"time"

	"netatlas/internal/domain"
)

// ErrNotFound is returned when no snapshot matches
var ErrNotFound = errors.New("snapshot not found")

// Position is a persisted layout position
type Position struct {
	domain.Vec2
	Pinned bool `json:"pinned,omitempty"`
}

// Snapshot is everything needed to rebuild the graph and its layout
type Snapshot struct {
	ID           string                     `json:"id"`
	GraphVersion uint64                     `json:"graph_version"`
	TakenAt      time.Time                  `json:"taken_at"`
	Nodes        []domain.NodeData          `json:"nodes"`
	Edges        []domain.Edge              `json:"edges"`
	Positions    map[domain.NodeID]Position `json:"positions,omitempty"`
}

// SnapshotInfo summarizes a stored snapshot without its records
type SnapshotInfo struct {
	ID           string    `json:"id"`
	GraphVersion uint64    `json:"graph_version"`
	TakenAt      time.Time `json:"taken_at"`
	NodeCount    int       `json:"node_count"`
	EdgeCount    int       `json:"edge_count"`
}

// Store persists topology snapshots
type Store interface {
	// SaveSnapshot stores s and returns its summary. An empty ID is assigned.
	SaveSnapshot(ctx context.Context, s *Snapshot) (SnapshotInfo, error)

	// LoadSnapshot loads one snapshot by ID
	LoadSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// LatestSnapshot loads the most recent snapshot
	LatestSnapshot(ctx context.Context) (*Snapshot, error)

	// ListSnapshots returns summaries, newest first
	ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error)

	// DeleteSnapshot removes a snapshot and its records
	DeleteSnapshot(ctx context.Context, id string) error

	// Close releases resources
	Close() error
}

// PositionsFrom pairs layout positions with their pinned state
func PositionsFrom(pos map[domain.NodeID]domain.Vec2, pinned func(domain.NodeID) bool) map[domain.NodeID]Position {
	out := make(map[domain.NodeID]Position, len(pos))
	for id, p := range pos {
		out[id] = Position{Vec2: p, Pinned: pinned != nil && pinned(id)}
	}
	return out
}
