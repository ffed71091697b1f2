package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shopboxhq/shopbox/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS instances (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    container_id TEXT NOT NULL DEFAULT '',
    container_name TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'creating',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    stopped_at TEXT,
    error_msg TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_id);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_port_active
    ON instances(port) WHERE status IN ('creating', 'running');
`

// SQLiteStore is the single-node fallback store, used when no PostgreSQL URL
// is configured. It implements the same record operations as Store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the instance database under dataDir.
func OpenSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "instances.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteInstanceColumns = `id, owner_id, container_id, container_name, port, status, created_at, updated_at, stopped_at, error_msg`

// CreateInstance persists a new instance record.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *types.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, owner_id, container_id, container_name, port, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.OwnerID, inst.ContainerID, inst.ContainerName, inst.Port, string(inst.Status),
		inst.CreatedAt.UTC().Format(time.RFC3339Nano), inst.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

// GetInstance returns the record with the given id owned by ownerID, or nil
// if no such record exists.
func (s *SQLiteStore) GetInstance(ctx context.Context, id, ownerID string) (*types.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteInstanceColumns+` FROM instances WHERE id = ? AND owner_id = ?
	`, id, ownerID)

	inst, err := scanSQLiteInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns the owner's records, newest first.
func (s *SQLiteStore) ListInstances(ctx context.Context, ownerID string, activeOnly bool) ([]types.Instance, error) {
	query := `SELECT ` + sqliteInstanceColumns + ` FROM instances WHERE owner_id = ?`
	if activeOnly {
		query += ` AND status IN ('creating', 'running')`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []types.Instance
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// UpdateStatus transitions a record. A nil stoppedAt and an empty errorMsg
// leave the existing column values untouched.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status types.InstanceStatus, stoppedAt *time.Time, errorMsg string) error {
	var stopped interface{}
	if stoppedAt != nil {
		stopped = stoppedAt.UTC().Format(time.RFC3339Nano)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET status = ?,
		    updated_at = ?,
		    stopped_at = COALESCE(?, stopped_at),
		    error_msg = CASE WHEN ? = '' THEN error_msg ELSE ? END
		WHERE id = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339Nano), stopped, errorMsg, errorMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("instance %s not found", id)
	}
	return nil
}

// PortsInUse returns the set of ports held by records in the given statuses,
// across all owners.
func (s *SQLiteStore) PortsInUse(ctx context.Context, statuses []types.InstanceStatus) (map[int]bool, error) {
	if len(statuses) == 0 {
		return map[int]bool{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT port FROM instances WHERE status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ports in use: %w", err)
	}
	defer rows.Close()

	ports := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("failed to scan port: %w", err)
		}
		ports[port] = true
	}
	return ports, rows.Err()
}

// AllContainerRefs returns the container refs of every non-terminal record.
func (s *SQLiteStore) AllContainerRefs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT container_id FROM instances
		WHERE status NOT IN ('stopped', 'error') AND container_id <> ''
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query container refs: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan container ref: %w", err)
		}
		refs[ref] = true
	}
	return refs, rows.Err()
}

// ListStuckCreating returns records still in creating created before the
// cutoff.
func (s *SQLiteStore) ListStuckCreating(ctx context.Context, olderThan time.Time) ([]types.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteInstanceColumns+` FROM instances
		WHERE status = 'creating' AND created_at < ?
	`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck instances: %w", err)
	}
	defer rows.Close()

	var instances []types.Instance
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

type sqliteRow interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteInstance(row sqliteRow) (*types.Instance, error) {
	var inst types.Instance
	var status, createdAt, updatedAt string
	var stoppedAt sql.NullString

	err := row.Scan(
		&inst.ID,
		&inst.OwnerID,
		&inst.ContainerID,
		&inst.ContainerName,
		&inst.Port,
		&status,
		&createdAt,
		&updatedAt,
		&stoppedAt,
		&inst.ErrorMsg,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = types.InstanceStatus(status)
	if inst.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if inst.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	if stoppedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, stoppedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad stopped_at %q: %w", stoppedAt.String, err)
		}
		inst.StoppedAt = &t
	}
	return &inst, nil
}
