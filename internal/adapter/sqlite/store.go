// Package sqlite persists cluster instances, their allocations and the
// coordinator's declared clusters in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nodefleet/internal/cluster"

	"github.com/containerd/errdefs"
	_ "modernc.org/sqlite"
)

var _ cluster.Ledger = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS cluster_instances (
	cluster TEXT NOT NULL,
	network TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (cluster, network)
);
CREATE TABLE IF NOT EXISTS allocations (
	cluster TEXT NOT NULL,
	network TEXT NOT NULL,
	node TEXT NOT NULL,
	parent TEXT NOT NULL DEFAULT '',
	tags_json TEXT NOT NULL DEFAULT '[]',
	path TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (cluster, network, node)
);
CREATE TABLE IF NOT EXISTS declarations (
	network TEXT NOT NULL,
	cluster TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	declared_at TEXT NOT NULL,
	PRIMARY KEY (network, cluster)
)`

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveInstance(ctx context.Context, rec cluster.InstanceRecord) error {
	if strings.TrimSpace(rec.Cluster) == "" || strings.TrimSpace(rec.Network) == "" {
		return fmt.Errorf("save instance: cluster and network are required: %w", errdefs.ErrInvalidArgument)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cluster_instances (cluster, network, enabled, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(cluster, network) DO UPDATE SET
		 enabled = excluded.enabled,
		 updated_at = excluded.updated_at`,
		rec.Cluster,
		rec.Network,
		boolInt(rec.Enabled),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save instance %s/%s: %w", rec.Cluster, rec.Network, err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, clusterName, network string) (cluster.InstanceRecord, bool, error) {
	var enabled int
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, updated_at FROM cluster_instances WHERE cluster = ? AND network = ?`,
		clusterName, network,
	).Scan(&enabled, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cluster.InstanceRecord{}, false, nil
		}
		return cluster.InstanceRecord{}, false, fmt.Errorf("query instance %s/%s: %w", clusterName, network, err)
	}
	return cluster.InstanceRecord{
		Cluster:   clusterName,
		Network:   network,
		Enabled:   enabled != 0,
		UpdatedAt: parseTime(updatedAt),
	}, true, nil
}

func (s *Store) SaveAllocation(ctx context.Context, rec cluster.AllocationRecord) error {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal allocation tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO allocations (cluster, network, node, parent, tags_json, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cluster, network, node) DO UPDATE SET
		 parent = excluded.parent,
		 tags_json = excluded.tags_json,
		 path = excluded.path,
		 created_at = excluded.created_at`,
		rec.Cluster,
		rec.Network,
		rec.Node,
		rec.Parent,
		string(tagsJSON),
		rec.Path,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save allocation %s/%s: %w", rec.Network, rec.Node, err)
	}
	return nil
}

func (s *Store) DeleteAllocation(ctx context.Context, clusterName, network, node string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM allocations WHERE cluster = ? AND network = ? AND node = ?`,
		clusterName, network, node,
	); err != nil {
		return fmt.Errorf("delete allocation %s/%s: %w", network, node, err)
	}
	return nil
}

func (s *Store) ListAllocations(ctx context.Context, clusterName, network string) ([]cluster.AllocationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node, parent, tags_json, path, created_at FROM allocations
		 WHERE cluster = ? AND network = ? ORDER BY node`,
		clusterName, network,
	)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	out := make([]cluster.AllocationRecord, 0)
	for rows.Next() {
		rec := cluster.AllocationRecord{Cluster: clusterName, Network: network}
		var tagsJSON, createdAt string
		if err := rows.Scan(&rec.Node, &rec.Parent, &tagsJSON, &rec.Path, &createdAt); err != nil {
			return nil, fmt.Errorf("scan allocation row: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags of %q: %w", rec.Node, err)
		}
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocation rows: %w", err)
	}
	return out, nil
}

// SaveDeclaration records that a cluster instance announced itself to the
// coordinator of its network.
func (s *Store) SaveDeclaration(ctx context.Context, d cluster.Declaration, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO declarations (network, cluster, address, declared_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(network, cluster) DO UPDATE SET
		 address = excluded.address,
		 declared_at = excluded.declared_at`,
		d.Network, d.Cluster, d.Address, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("save declaration %s/%s: %w", d.Network, d.Cluster, err)
	}
	return nil
}

func (s *Store) ListDeclarations(ctx context.Context, network string) ([]cluster.Declaration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cluster, address FROM declarations WHERE network = ? ORDER BY cluster`, network)
	if err != nil {
		return nil, fmt.Errorf("list declarations: %w", err)
	}
	defer rows.Close()

	out := make([]cluster.Declaration, 0)
	for rows.Next() {
		d := cluster.Declaration{Network: network}
		if err := rows.Scan(&d.Cluster, &d.Address); err != nil {
			return nil, fmt.Errorf("scan declaration row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate declaration rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteDeclaration(ctx context.Context, network, clusterName string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM declarations WHERE network = ? AND cluster = ?`, network, clusterName,
	); err != nil {
		return fmt.Errorf("delete declaration %s/%s: %w", network, clusterName, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
