package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// An in-memory database exists per connection, so the pool must
	// stay at a single connection or callers see different databases.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateStack creates a new stack record
func (s *SQLiteStore) CreateStack(ctx context.Context, stack *Stack) error {
	now := time.Now().UTC()
	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = now
	}
	if stack.UpdatedAt.IsZero() {
		stack.UpdatedAt = now
	}

	query := `
		INSERT INTO stacks (
			id, name, tenant, action, status, status_reason,
			current_traversal, current_deps, raw_template_id, prev_raw_template_id,
			parameters, outputs, tags, adopt_data,
			timeout_seconds, disable_rollback, is_converge, atomic_key,
			created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		stack.ID,
		stack.Name,
		stack.Tenant,
		stack.Action,
		stack.Status,
		stack.StatusReason,
		stack.CurrentTraversal,
		stack.CurrentDeps,
		stack.RawTemplateID,
		stack.PrevRawTemplateID,
		stack.Parameters,
		stack.Outputs,
		stack.Tags,
		stack.AdoptData,
		stack.TimeoutSeconds,
		stack.DisableRollback,
		stack.IsConverge,
		stack.AtomicKey,
		stack.CreatedAt,
		stack.UpdatedAt,
		stack.DeletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create stack: %w", err)
	}

	return nil
}

const stackColumns = `id, name, tenant, action, status, status_reason,
	current_traversal, current_deps, raw_template_id, prev_raw_template_id,
	parameters, outputs, tags, adopt_data,
	timeout_seconds, disable_rollback, is_converge, atomic_key,
	created_at, updated_at, deleted_at`

func scanStack(row interface{ Scan(...interface{}) error }) (*Stack, error) {
	stack := &Stack{}
	err := row.Scan(
		&stack.ID,
		&stack.Name,
		&stack.Tenant,
		&stack.Action,
		&stack.Status,
		&stack.StatusReason,
		&stack.CurrentTraversal,
		&stack.CurrentDeps,
		&stack.RawTemplateID,
		&stack.PrevRawTemplateID,
		&stack.Parameters,
		&stack.Outputs,
		&stack.Tags,
		&stack.AdoptData,
		&stack.TimeoutSeconds,
		&stack.DisableRollback,
		&stack.IsConverge,
		&stack.AtomicKey,
		&stack.CreatedAt,
		&stack.UpdatedAt,
		&stack.DeletedAt,
	)
	return stack, err
}

// GetStack retrieves a stack by ID
func (s *SQLiteStore) GetStack(ctx context.Context, id string) (*Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks WHERE id = ?`

	stack, err := scanStack(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stack %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack: %w", err)
	}

	return stack, nil
}

// GetStackByName retrieves a live stack by tenant and name
func (s *SQLiteStore) GetStackByName(ctx context.Context, tenant, name string) (*Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks WHERE tenant = ? AND name = ? AND deleted_at IS NULL`

	stack, err := scanStack(s.db.QueryRowContext(ctx, query, tenant, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stack %s/%s: %w", tenant, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack by name: %w", err)
	}

	return stack, nil
}

// ListStacks lists stacks matching the filter with pagination
func (s *SQLiteStore) ListStacks(ctx context.Context, filter ListStacksFilter) ([]*Stack, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	query := `
		SELECT ` + stackColumns + `
		FROM stacks
		WHERE (? OR deleted_at IS NULL)
		  AND (? IS NULL OR tenant = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.ShowDeleted, filter.Tenant, filter.Tenant, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	stacks := []*Stack{}
	for rows.Next() {
		stack, err := scanStack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		stacks = append(stacks, stack)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stacks: %w", err)
	}

	return stacks, nil
}

// UpdateStackCAS writes every mutable stack field guarded by the expected
// atomic key. It returns false when another writer got there first; callers
// re-read and decide whether to retry or give up.
func (s *SQLiteStore) UpdateStackCAS(ctx context.Context, stack *Stack, expectedAtomicKey int64) (bool, error) {
	now := time.Now().UTC()

	query := `
		UPDATE stacks
		SET name = ?, action = ?, status = ?, status_reason = ?,
			current_traversal = ?, current_deps = ?,
			raw_template_id = ?, prev_raw_template_id = ?,
			parameters = ?, outputs = ?, tags = ?, adopt_data = ?,
			timeout_seconds = ?, disable_rollback = ?, is_converge = ?,
			atomic_key = atomic_key + 1, updated_at = ?
		WHERE id = ? AND atomic_key = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		stack.Name,
		stack.Action,
		stack.Status,
		stack.StatusReason,
		stack.CurrentTraversal,
		stack.CurrentDeps,
		stack.RawTemplateID,
		stack.PrevRawTemplateID,
		stack.Parameters,
		stack.Outputs,
		stack.Tags,
		stack.AdoptData,
		stack.TimeoutSeconds,
		stack.DisableRollback,
		stack.IsConverge,
		now,
		stack.ID,
		expectedAtomicKey,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update stack: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	stack.AtomicKey = expectedAtomicKey + 1
	stack.UpdatedAt = now
	return true, nil
}

// MarkStackDeleted soft-deletes a stack
func (s *SQLiteStore) MarkStackDeleted(ctx context.Context, id string) error {
	query := `UPDATE stacks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark stack deleted: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("stack %s: %w", id, ErrNotFound)
	}

	return nil
}

// CreateResource creates a new resource row and fills in its generated id
func (s *SQLiteStore) CreateResource(ctx context.Context, resource *Resource) error {
	now := time.Now().UTC()
	if resource.CreatedAt.IsZero() {
		resource.CreatedAt = now
	}
	if resource.UpdatedAt.IsZero() {
		resource.UpdatedAt = now
	}
	if resource.Requires == "" {
		resource.Requires = "[]"
	}

	query := `
		INSERT INTO resources (
			stack_id, name, type, action, status, status_reason,
			physical_id, definition, definition_hash, properties, attributes,
			requires, needed_by, replaces, replaced_by, current_template_id,
			atomic_key, engine_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		resource.StackID,
		resource.Name,
		resource.Type,
		resource.Action,
		resource.Status,
		resource.StatusReason,
		resource.PhysicalID,
		resource.Definition,
		resource.DefinitionHash,
		resource.Properties,
		resource.Attributes,
		resource.Requires,
		resource.NeededBy,
		resource.Replaces,
		resource.ReplacedBy,
		resource.CurrentTemplateID,
		resource.AtomicKey,
		resource.EngineID,
		resource.CreatedAt,
		resource.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get resource ID: %w", err)
	}

	resource.ID = id
	return nil
}

const resourceColumns = `id, stack_id, name, type, action, status, status_reason,
	physical_id, definition, definition_hash, properties, attributes,
	requires, needed_by, replaces, replaced_by, current_template_id,
	atomic_key, engine_id, created_at, updated_at`

func scanResource(row interface{ Scan(...interface{}) error }) (*Resource, error) {
	resource := &Resource{}
	err := row.Scan(
		&resource.ID,
		&resource.StackID,
		&resource.Name,
		&resource.Type,
		&resource.Action,
		&resource.Status,
		&resource.StatusReason,
		&resource.PhysicalID,
		&resource.Definition,
		&resource.DefinitionHash,
		&resource.Properties,
		&resource.Attributes,
		&resource.Requires,
		&resource.NeededBy,
		&resource.Replaces,
		&resource.ReplacedBy,
		&resource.CurrentTemplateID,
		&resource.AtomicKey,
		&resource.EngineID,
		&resource.CreatedAt,
		&resource.UpdatedAt,
	)
	return resource, err
}

// GetResource retrieves a resource row by id
func (s *SQLiteStore) GetResource(ctx context.Context, id int64) (*Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = ?`

	resource, err := scanResource(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return resource, nil
}

// ListStackResources lists all resource rows of a stack
func (s *SQLiteStore) ListStackResources(ctx context.Context, stackID string) ([]*Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE stack_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, stackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*Resource{}
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, resource)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// ListResourcesByName lists every physical copy of a logical resource key
func (s *SQLiteStore) ListResourcesByName(ctx context.Context, stackID, name string) ([]*Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE stack_id = ? AND name = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, stackID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources by name: %w", err)
	}
	defer rows.Close()

	resources := []*Resource{}
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, resource)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// UpdateResourceCAS writes every mutable resource field guarded by the
// expected atomic key. Returns false on CAS failure.
func (s *SQLiteStore) UpdateResourceCAS(ctx context.Context, resource *Resource, expectedAtomicKey int64) (bool, error) {
	now := time.Now().UTC()

	query := `
		UPDATE resources
		SET action = ?, status = ?, status_reason = ?,
			physical_id = ?, definition = ?, definition_hash = ?,
			properties = ?, attributes = ?, requires = ?, needed_by = ?,
			replaces = ?, replaced_by = ?, current_template_id = ?,
			engine_id = ?, atomic_key = atomic_key + 1, updated_at = ?
		WHERE id = ? AND atomic_key = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		resource.Action,
		resource.Status,
		resource.StatusReason,
		resource.PhysicalID,
		resource.Definition,
		resource.DefinitionHash,
		resource.Properties,
		resource.Attributes,
		resource.Requires,
		resource.NeededBy,
		resource.Replaces,
		resource.ReplacedBy,
		resource.CurrentTemplateID,
		resource.EngineID,
		now,
		resource.ID,
		expectedAtomicKey,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update resource: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	resource.AtomicKey = expectedAtomicKey + 1
	resource.UpdatedAt = now
	return true, nil
}

// DeleteResource deletes a resource row by id
func (s *SQLiteStore) DeleteResource(ctx context.Context, id int64) error {
	query := `DELETE FROM resources WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resource %d: %w", id, ErrNotFound)
	}

	return nil
}

// DeleteStackResources deletes all resource rows of a stack
func (s *SQLiteStore) DeleteStackResources(ctx context.Context, stackID string) error {
	query := `DELETE FROM resources WHERE stack_id = ?`

	if _, err := s.db.ExecContext(ctx, query, stackID); err != nil {
		return fmt.Errorf("failed to delete stack resources: %w", err)
	}

	return nil
}

// CreateRawTemplate stores an immutable template document
func (s *SQLiteStore) CreateRawTemplate(ctx context.Context, tmpl *RawTemplate) error {
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = time.Now().UTC()
	}
	if tmpl.Parameters == "" {
		tmpl.Parameters = "{}"
	}

	query := `INSERT INTO raw_templates (id, template, parameters, created_at) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, tmpl.ID, tmpl.Template, tmpl.Parameters, tmpl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create raw template: %w", err)
	}

	return nil
}

// GetRawTemplate retrieves a template document by id
func (s *SQLiteStore) GetRawTemplate(ctx context.Context, id string) (*RawTemplate, error) {
	query := `SELECT id, template, parameters, created_at FROM raw_templates WHERE id = ?`

	tmpl := &RawTemplate{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&tmpl.ID,
		&tmpl.Template,
		&tmpl.Parameters,
		&tmpl.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("raw template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raw template: %w", err)
	}

	return tmpl, nil
}

// DeleteRawTemplate deletes a template document by id
func (s *SQLiteStore) DeleteRawTemplate(ctx context.Context, id string) error {
	query := `DELETE FROM raw_templates WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete raw template: %w", err)
	}

	return nil
}

// EnsureSyncPoint creates a sync point if it does not already exist. The
// first reporter to arrive wins the insert; later reporters see the existing
// row. Never an error when the row is already present.
func (s *SQLiteStore) EnsureSyncPoint(ctx context.Context, sp *SyncPoint) error {
	now := time.Now().UTC()
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = now
	}
	if sp.UpdatedAt.IsZero() {
		sp.UpdatedAt = now
	}
	if sp.InputData == "" {
		sp.InputData = "{}"
	}

	query := `
		INSERT OR IGNORE INTO sync_points (
			entity_id, traversal_id, is_update, stack_id, atomic_key, input_data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sp.EntityID,
		sp.TraversalID,
		sp.IsUpdate,
		sp.StackID,
		sp.AtomicKey,
		sp.InputData,
		sp.CreatedAt,
		sp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure sync point: %w", err)
	}

	return nil
}

// GetSyncPoint retrieves a sync point by its composite key
func (s *SQLiteStore) GetSyncPoint(ctx context.Context, entityID, traversalID string, isUpdate bool) (*SyncPoint, error) {
	query := `
		SELECT entity_id, traversal_id, is_update, stack_id, atomic_key, input_data, created_at, updated_at
		FROM sync_points
		WHERE entity_id = ? AND traversal_id = ? AND is_update = ?
	`

	sp := &SyncPoint{}
	err := s.db.QueryRowContext(ctx, query, entityID, traversalID, isUpdate).Scan(
		&sp.EntityID,
		&sp.TraversalID,
		&sp.IsUpdate,
		&sp.StackID,
		&sp.AtomicKey,
		&sp.InputData,
		&sp.CreatedAt,
		&sp.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync point %s/%s: %w", entityID, traversalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync point: %w", err)
	}

	return sp, nil
}

// UpdateSyncPointCAS writes the decremented counter and merged input data
// guarded by the previously read counter value. Exactly one concurrent
// reporter can move the counter from any given value.
func (s *SQLiteStore) UpdateSyncPointCAS(ctx context.Context, sp *SyncPoint, expectedAtomicKey int64) (bool, error) {
	now := time.Now().UTC()

	query := `
		UPDATE sync_points
		SET atomic_key = ?, input_data = ?, updated_at = ?
		WHERE entity_id = ? AND traversal_id = ? AND is_update = ? AND atomic_key = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		sp.AtomicKey,
		sp.InputData,
		now,
		sp.EntityID,
		sp.TraversalID,
		sp.IsUpdate,
		expectedAtomicKey,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update sync point: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	sp.UpdatedAt = now
	return true, nil
}

// DeleteSyncPoint deletes a fired sync point. Deleting a missing row is not
// an error; finalize purges leftovers anyway.
func (s *SQLiteStore) DeleteSyncPoint(ctx context.Context, entityID, traversalID string, isUpdate bool) error {
	query := `DELETE FROM sync_points WHERE entity_id = ? AND traversal_id = ? AND is_update = ?`

	if _, err := s.db.ExecContext(ctx, query, entityID, traversalID, isUpdate); err != nil {
		return fmt.Errorf("failed to delete sync point: %w", err)
	}

	return nil
}

// DeleteTraversalSyncPoints purges every sync point of a traversal
func (s *SQLiteStore) DeleteTraversalSyncPoints(ctx context.Context, traversalID string) error {
	query := `DELETE FROM sync_points WHERE traversal_id = ?`

	if _, err := s.db.ExecContext(ctx, query, traversalID); err != nil {
		return fmt.Errorf("failed to delete traversal sync points: %w", err)
	}

	return nil
}

// AcquireStackLock inserts the lock row for a stack. It returns the empty
// string when the lock was acquired, or the id of the current holder when
// the stack is already locked.
func (s *SQLiteStore) AcquireStackLock(ctx context.Context, stackID, engineID string) (string, error) {
	now := time.Now().UTC()

	query := `
		INSERT OR IGNORE INTO stack_locks (stack_id, engine_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query, stackID, engineID, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to acquire stack lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return "", nil
	}

	// Lost the insert race or the lock already exists: report the holder.
	lock, err := s.GetStackLock(ctx, stackID)
	if errors.Is(err, ErrNotFound) {
		// Holder released between insert and read; caller retries.
		return "", fmt.Errorf("stack lock %s vanished during acquire: %w", stackID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	return lock.EngineID, nil
}

// StealStackLock transfers a lock away from a dead engine. Returns false when
// the lock is no longer held by fromEngineID.
func (s *SQLiteStore) StealStackLock(ctx context.Context, stackID, fromEngineID, toEngineID string) (bool, error) {
	query := `UPDATE stack_locks SET engine_id = ?, updated_at = ? WHERE stack_id = ? AND engine_id = ?`

	result, err := s.db.ExecContext(ctx, query, toEngineID, time.Now().UTC(), stackID, fromEngineID)
	if err != nil {
		return false, fmt.Errorf("failed to steal stack lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// ReleaseStackLock deletes the lock row if held by engineID. Returns false
// when the lock is held by someone else or does not exist.
func (s *SQLiteStore) ReleaseStackLock(ctx context.Context, stackID, engineID string) (bool, error) {
	query := `DELETE FROM stack_locks WHERE stack_id = ? AND engine_id = ?`

	result, err := s.db.ExecContext(ctx, query, stackID, engineID)
	if err != nil {
		return false, fmt.Errorf("failed to release stack lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// GetStackLock retrieves the lock row for a stack
func (s *SQLiteStore) GetStackLock(ctx context.Context, stackID string) (*StackLock, error) {
	query := `SELECT stack_id, engine_id, created_at, updated_at FROM stack_locks WHERE stack_id = ?`

	lock := &StackLock{}
	err := s.db.QueryRowContext(ctx, query, stackID).Scan(
		&lock.StackID,
		&lock.EngineID,
		&lock.CreatedAt,
		&lock.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stack lock %s: %w", stackID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack lock: %w", err)
	}

	return lock, nil
}

// UpsertEngine registers an engine or refreshes its heartbeat
func (s *SQLiteStore) UpsertEngine(ctx context.Context, engine *Engine) error {
	now := time.Now().UTC()
	if engine.LastHeartbeat.IsZero() {
		engine.LastHeartbeat = now
	}
	if engine.CreatedAt.IsZero() {
		engine.CreatedAt = now
	}

	query := `
		INSERT INTO engines (id, hostname, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			last_heartbeat = excluded.last_heartbeat
	`

	_, err := s.db.ExecContext(ctx, query, engine.ID, engine.Hostname, engine.LastHeartbeat, engine.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert engine: %w", err)
	}

	return nil
}

// GetEngine retrieves an engine record by id
func (s *SQLiteStore) GetEngine(ctx context.Context, id string) (*Engine, error) {
	query := `SELECT id, hostname, last_heartbeat, created_at FROM engines WHERE id = ?`

	engine := &Engine{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&engine.ID,
		&engine.Hostname,
		&engine.LastHeartbeat,
		&engine.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("engine %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get engine: %w", err)
	}

	return engine, nil
}

// ListEngines lists all registered engines
func (s *SQLiteStore) ListEngines(ctx context.Context) ([]*Engine, error) {
	query := `SELECT id, hostname, last_heartbeat, created_at FROM engines ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list engines: %w", err)
	}
	defer rows.Close()

	engines := []*Engine{}
	for rows.Next() {
		engine := &Engine{}
		err := rows.Scan(
			&engine.ID,
			&engine.Hostname,
			&engine.LastHeartbeat,
			&engine.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan engine: %w", err)
		}
		engines = append(engines, engine)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating engines: %w", err)
	}

	return engines, nil
}

// DeleteEngine removes an engine record on clean shutdown
func (s *SQLiteStore) DeleteEngine(ctx context.Context, id string) error {
	query := `DELETE FROM engines WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete engine: %w", err)
	}

	return nil
}

// AppendStackEvent appends a new stack event
func (s *SQLiteStore) AppendStackEvent(ctx context.Context, event *StackEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO stack_events (stack_id, traversal_id, resource_key, physical_id, action, status, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.StackID,
		event.TraversalID,
		event.ResourceKey,
		event.PhysicalID,
		event.Action,
		event.Status,
		event.Reason,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append stack event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListStackEvents retrieves events for a stack, newest first
func (s *SQLiteStore) ListStackEvents(ctx context.Context, stackID string, limit, offset int) ([]*StackEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, stack_id, traversal_id, resource_key, physical_id, action, status, reason, timestamp
		FROM stack_events
		WHERE stack_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, stackID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list stack events: %w", err)
	}
	defer rows.Close()

	events := []*StackEvent{}
	for rows.Next() {
		event := &StackEvent{}
		err := rows.Scan(
			&event.ID,
			&event.StackID,
			&event.TraversalID,
			&event.ResourceKey,
			&event.PhysicalID,
			&event.Action,
			&event.Status,
			&event.Reason,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stack event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stack events: %w", err)
	}

	return events, nil
}

// PruneStackEvents keeps only the newest events of a stack
func (s *SQLiteStore) PruneStackEvents(ctx context.Context, stackID string, keep int) error {
	if keep <= 0 {
		return nil
	}

	query := `
		DELETE FROM stack_events
		WHERE stack_id = ?
		  AND id NOT IN (
			SELECT id FROM stack_events WHERE stack_id = ? ORDER BY id DESC LIMIT ?
		  )
	`

	if _, err := s.db.ExecContext(ctx, query, stackID, stackID, keep); err != nil {
		return fmt.Errorf("failed to prune stack events: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
