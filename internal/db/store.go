package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopboxhq/shopbox/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides instance persistence backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with a connection pool.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate runs database migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version  int
		filename string
	}{
		{1, "migrations/001_initial.up.sql"},
	}

	for _, m := range migrations {
		if currentVersion >= m.version {
			continue
		}
		sql, err := migrationsFS.ReadFile(m.filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", m.filename, err)
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %03d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("failed to record migration %03d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %03d: %w", m.version, err)
		}
	}

	return nil
}

const instanceColumns = `id, owner_id, container_id, container_name, port, status, created_at, updated_at, stopped_at, error_msg`

// CreateInstance persists a new instance record.
func (s *Store) CreateInstance(ctx context.Context, inst *types.Instance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (id, owner_id, container_id, container_name, port, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, inst.ID, inst.OwnerID, inst.ContainerID, inst.ContainerName, inst.Port, string(inst.Status), inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

// GetInstance returns the record with the given id owned by ownerID, or nil
// if no such record exists.
func (s *Store) GetInstance(ctx context.Context, id, ownerID string) (*types.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE id = $1 AND owner_id = $2
	`, id, ownerID)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns the owner's records, newest first.
func (s *Store) ListInstances(ctx context.Context, ownerID string, activeOnly bool) ([]types.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE owner_id = $1`
	if activeOnly {
		query += ` AND status IN ('creating', 'running')`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// UpdateStatus transitions a record. A nil stoppedAt and an empty errorMsg
// leave the existing column values untouched.
func (s *Store) UpdateStatus(ctx context.Context, id string, status types.InstanceStatus, stoppedAt *time.Time, errorMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances
		SET status = $2,
		    updated_at = now(),
		    stopped_at = COALESCE($3, stopped_at),
		    error_msg = CASE WHEN $4 = '' THEN error_msg ELSE $4 END
		WHERE id = $1
	`, id, string(status), stoppedAt, errorMsg)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance %s not found", id)
	}
	return nil
}

// PortsInUse returns the set of ports held by records in the given statuses,
// across all owners.
func (s *Store) PortsInUse(ctx context.Context, statuses []types.InstanceStatus) (map[int]bool, error) {
	states := make([]string, len(statuses))
	for i, st := range statuses {
		states[i] = string(st)
	}

	rows, err := s.pool.Query(ctx, `SELECT port FROM instances WHERE status = ANY($1)`, states)
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
func (s *Store) AllContainerRefs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
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
func (s *Store) ListStuckCreating(ctx context.Context, olderThan time.Time) ([]types.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = 'creating' AND created_at < $1
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck instances: %w", err)
	}
	defer rows.Close()

	var instances []types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (*types.Instance, error) {
	var inst types.Instance
	var status string
	err := row.Scan(
		&inst.ID,
		&inst.OwnerID,
		&inst.ContainerID,
		&inst.ContainerName,
		&inst.Port,
		&status,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.StoppedAt,
		&inst.ErrorMsg,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = types.InstanceStatus(status)
	return &inst, nil
}
