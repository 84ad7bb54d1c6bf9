package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"netatlas/internal/domain"
	"netatlas/internal/repository"
)

var _ repository.Store = (*Repository)(nil)

// Repository implements repository.Store using SQLite
type Repository struct {
	db        *sql.DB
	retention int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Repository
type Option func(*Repository)

// WithRetention keeps only the newest n snapshots; zero keeps all
func WithRetention(n int) Option {
	return func(r *Repository) { r.retention = n }
}

// WithLogger sets the repository logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// New opens (or creates) the database at dbPath. ":memory:" gives a private
// in-memory database.
func New(dbPath string, opts ...Option) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db, retention: 20, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(repo)
	}
	repo.logger = repo.logger.With("component", "sqlite")

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		graph_version INTEGER NOT NULL,
		taken_at INTEGER NOT NULL,
		node_count INTEGER NOT NULL DEFAULT 0,
		edge_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS nodes (
		snapshot_id TEXT NOT NULL,
		ip TEXT NOT NULL,
		mac TEXT,
		hostname TEXT,
		vendor TEXT,
		device_type TEXT NOT NULL,
		risk_score INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		data JSON NOT NULL,
		PRIMARY KEY (snapshot_id, ip),
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS edges (
		snapshot_id TEXT NOT NULL,
		node_a TEXT NOT NULL,
		node_b TEXT NOT NULL,
		type TEXT NOT NULL,
		latency_ms REAL,
		data JSON NOT NULL,
		PRIMARY KEY (snapshot_id, node_a, node_b),
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS positions (
		snapshot_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (snapshot_id, node_id),
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON snapshots(taken_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_device_type ON nodes(snapshot_id, device_type);
	CREATE INDEX IF NOT EXISTS idx_nodes_risk ON nodes(snapshot_id, risk_score);
	`

	_, err := r.db.Exec(schema)
	return err
}

// SaveSnapshot writes a snapshot in one transaction, then prunes old ones
func (r *Repository) SaveSnapshot(ctx context.Context, s *repository.Snapshot) (repository.SnapshotInfo, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.TakenAt.IsZero() {
		s.TakenAt = r.now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, graph_version, taken_at, node_count, edge_count)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID, int64(s.GraphVersion), s.TakenAt.UnixNano(), len(s.Nodes), len(s.Edges)); err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (snapshot_id, `+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("failed to prepare node statement: %w", err)
	}
	defer nodeStmt.Close()

	for i := range s.Nodes {
		args, err := nodeInsertArgs(&s.Nodes[i])
		if err != nil {
			return repository.SnapshotInfo{}, fmt.Errorf("node %s: %w", s.Nodes[i].ID, err)
		}
		if _, err := nodeStmt.ExecContext(ctx, append([]any{s.ID}, args...)...); err != nil {
			return repository.SnapshotInfo{}, fmt.Errorf("failed to insert node %s: %w", s.Nodes[i].ID, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (snapshot_id, `+edgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("failed to prepare edge statement: %w", err)
	}
	defer edgeStmt.Close()

	for i := range s.Edges {
		args, err := edgeInsertArgs(&s.Edges[i])
		if err != nil {
			return repository.SnapshotInfo{}, fmt.Errorf("edge %s-%s: %w", s.Edges[i].A, s.Edges[i].B, err)
		}
		if _, err := edgeStmt.ExecContext(ctx, append([]any{s.ID}, args...)...); err != nil {
			return repository.SnapshotInfo{}, fmt.Errorf("failed to insert edge %s-%s: %w", s.Edges[i].A, s.Edges[i].B, err)
		}
	}

	if len(s.Positions) > 0 {
		posStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO positions (snapshot_id, node_id, x, y, pinned) VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return repository.SnapshotInfo{}, fmt.Errorf("failed to prepare position statement: %w", err)
		}
		defer posStmt.Close()

		for id, p := range s.Positions {
			if !id.IsValid() || !p.IsFinite() {
				continue
			}
			if _, err := posStmt.ExecContext(ctx, s.ID, id.String(), p.X, p.Y, boolToInt(p.Pinned)); err != nil {
				return repository.SnapshotInfo{}, fmt.Errorf("failed to insert position for %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return repository.SnapshotInfo{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if err := r.prune(ctx); err != nil {
		r.logger.Warn("failed to prune snapshots", "err", err)
	}

	return repository.SnapshotInfo{
		ID:           s.ID,
		GraphVersion: s.GraphVersion,
		TakenAt:      s.TakenAt,
		NodeCount:    len(s.Nodes),
		EdgeCount:    len(s.Edges),
	}, nil
}

// prune deletes all but the newest retention snapshots
func (r *Repository) prune(ctx context.Context) error {
	if r.retention <= 0 {
		return nil
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY taken_at DESC, rowid DESC LIMIT ?
		)
	`, r.retention)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.logger.Debug("pruned snapshots", "count", n)
	}
	return nil
}

// LoadSnapshot loads one snapshot with its nodes, edges and positions
func (r *Repository) LoadSnapshot(ctx context.Context, id string) (*repository.Snapshot, error) {
	var row snapshotRow
	err := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id).
		Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return r.loadRecords(ctx, row)
}

// LatestSnapshot loads the most recently taken snapshot
func (r *Repository) LatestSnapshot(ctx context.Context) (*repository.Snapshot, error) {
	var row snapshotRow
	err := r.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots ORDER BY taken_at DESC, rowid DESC LIMIT 1
	`).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	return r.loadRecords(ctx, row)
}

func (r *Repository) loadRecords(ctx context.Context, row snapshotRow) (*repository.Snapshot, error) {
	info := row.toDomain()
	snap := &repository.Snapshot{
		ID:           info.ID,
		GraphVersion: info.GraphVersion,
		TakenAt:      info.TakenAt,
		Nodes:        make([]domain.NodeData, 0, info.NodeCount),
		Edges:        make([]domain.Edge, 0, info.EdgeCount),
		Positions:    make(map[domain.NodeID]repository.Position),
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE snapshot_id = ? ORDER BY first_seen, ip
	`, info.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var nr nodeRow
		if err := rows.Scan(nr.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n, err := nr.toDomain()
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nr.IP, err)
		}
		snap.Nodes = append(snap.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	edgeRows, err := r.db.QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM edges WHERE snapshot_id = ? ORDER BY node_a, node_b
	`, info.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		var er edgeRow
		if err := edgeRows.Scan(er.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e, err := er.toDomain()
		if err != nil {
			return nil, fmt.Errorf("edge %s-%s: %w", er.A, er.B, err)
		}
		snap.Edges = append(snap.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	posRows, err := r.db.QueryContext(ctx, `
		SELECT node_id, x, y, pinned FROM positions WHERE snapshot_id = ?
	`, info.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer posRows.Close()

	for posRows.Next() {
		var (
			nodeID string
			x, y   float64
			pinned sql.NullInt64
		)
		if err := posRows.Scan(&nodeID, &x, &y, &pinned); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		id, err := domain.ParseNodeID(nodeID)
		if err != nil {
			r.logger.Warn("skipping position with bad node id", "node", nodeID, "err", err)
			continue
		}
		snap.Positions[id] = repository.Position{Vec2: domain.Vec2{X: x, Y: y}, Pinned: nullToBool(pinned)}
	}
	if err := posRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return snap, nil
}

// ListSnapshots returns snapshot summaries, newest first. limit <= 0 lists all.
func (r *Repository) ListSnapshots(ctx context.Context, limit int) ([]repository.SnapshotInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots ORDER BY taken_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []repository.SnapshotInfo
	for rows.Next() {
		var row snapshotRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, row.toDomain())
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot; its records go by cascade
func (r *Repository) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}
