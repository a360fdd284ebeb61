package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound marks lookups that matched no row. Callers that treat missing
// rows as already-converged or stale work test for it with errors.Is.
var ErrNotFound = errors.New("not found")

// Stack represents a stack row. Action and Status hold engine enum values;
// the store treats them as opaque strings.
type Stack struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Tenant            string     `json:"tenant"`
	Action            string     `json:"action"`
	Status            string     `json:"status"`
	StatusReason      string     `json:"status_reason"`
	CurrentTraversal  string     `json:"current_traversal"` // empty until the first traversal starts
	CurrentDeps       *string    `json:"current_deps,omitempty"` // JSON graph snapshot
	RawTemplateID     string     `json:"raw_template_id"`
	PrevRawTemplateID *string    `json:"prev_raw_template_id,omitempty"`
	Parameters        string     `json:"parameters"` // JSON blob
	Outputs           *string    `json:"outputs,omitempty"` // JSON blob
	Tags              *string    `json:"tags,omitempty"` // JSON array
	AdoptData         *string    `json:"adopt_data,omitempty"` // JSON blob
	TimeoutSeconds    int64      `json:"timeout_seconds"`
	DisableRollback   bool       `json:"disable_rollback"`
	IsConverge        bool       `json:"is_converge"`
	AtomicKey         int64      `json:"atomic_key"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// Resource represents one physical copy of a logical resource. Replacement
// creates a second row for the same name; Replaces/ReplacedBy link the copies
// until cleanup removes the stale one.
type Resource struct {
	ID                int64      `json:"id"`
	StackID           string     `json:"stack_id"`
	Name              string     `json:"name"` // logical resource key
	Type              string     `json:"type"`
	Action            string     `json:"action"`
	Status            string     `json:"status"`
	StatusReason      string     `json:"status_reason"`
	PhysicalID        *string    `json:"physical_id,omitempty"`
	Definition        string     `json:"definition"` // JSON blob of the resource definition
	DefinitionHash    string     `json:"definition_hash"`
	Properties        *string    `json:"properties,omitempty"` // resolved properties JSON at last convergence
	Attributes        *string    `json:"attributes,omitempty"` // JSON blob
	Requires          string     `json:"requires"` // JSON array of resource row ids
	NeededBy          *string    `json:"needed_by,omitempty"` // JSON array of logical keys
	Replaces          *int64     `json:"replaces,omitempty"`
	ReplacedBy        *int64     `json:"replaced_by,omitempty"`
	CurrentTemplateID string     `json:"current_template_id"`
	AtomicKey         int64      `json:"atomic_key"`
	EngineID          *string    `json:"engine_id,omitempty"` // holder while in progress
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// RawTemplate is an immutable stored template document.
type RawTemplate struct {
	ID         string    `json:"id"`
	Template   string    `json:"template"` // raw YAML document
	Parameters string    `json:"parameters"` // JSON blob of effective parameters
	CreatedAt  time.Time `json:"created_at"`
}

// SyncPoint is the fan-in counter for one graph node in one traversal.
// EntityID is the logical resource key, or the stack id for the stack-level
// sync point. AtomicKey counts unsatisfied predecessors and doubles as the
// CAS guard.
type SyncPoint struct {
	EntityID    string    `json:"entity_id"`
	TraversalID string    `json:"traversal_id"`
	IsUpdate    bool      `json:"is_update"`
	StackID     string    `json:"stack_id"`
	AtomicKey   int64     `json:"atomic_key"`
	InputData   string    `json:"input_data"` // merged JSON of dependency outputs
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StackLock is the per-stack mutual exclusion row.
type StackLock struct {
	StackID   string    `json:"stack_id"`
	EngineID  string    `json:"engine_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Engine represents a registered engine process. LastHeartbeat drives the
// liveness oracle used for lock stealing and abandoned-work detection.
type Engine struct {
	ID            string    `json:"id"`
	Hostname      string    `json:"hostname"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}

// StackEvent is an append-only stack lifecycle event.
type StackEvent struct {
	ID          int64     `json:"id"`
	StackID     string    `json:"stack_id"`
	TraversalID *string   `json:"traversal_id,omitempty"`
	ResourceKey *string   `json:"resource_key,omitempty"`
	PhysicalID  *string   `json:"physical_id,omitempty"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// ListStacksFilter narrows ListStacks results.
type ListStacksFilter struct {
	Tenant      *string
	ShowDeleted bool
	Limit       int
	Offset      int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Stack operations
	CreateStack(ctx context.Context, stack *Stack) error
	GetStack(ctx context.Context, id string) (*Stack, error)
	GetStackByName(ctx context.Context, tenant, name string) (*Stack, error)
	ListStacks(ctx context.Context, filter ListStacksFilter) ([]*Stack, error)
	UpdateStackCAS(ctx context.Context, stack *Stack, expectedAtomicKey int64) (bool, error)
	MarkStackDeleted(ctx context.Context, id string) error

	// Resource operations
	CreateResource(ctx context.Context, resource *Resource) error
	GetResource(ctx context.Context, id int64) (*Resource, error)
	ListStackResources(ctx context.Context, stackID string) ([]*Resource, error)
	ListResourcesByName(ctx context.Context, stackID, name string) ([]*Resource, error)
	UpdateResourceCAS(ctx context.Context, resource *Resource, expectedAtomicKey int64) (bool, error)
	DeleteResource(ctx context.Context, id int64) error
	DeleteStackResources(ctx context.Context, stackID string) error

	// Raw template operations
	CreateRawTemplate(ctx context.Context, tmpl *RawTemplate) error
	GetRawTemplate(ctx context.Context, id string) (*RawTemplate, error)
	DeleteRawTemplate(ctx context.Context, id string) error

	// Sync point operations
	EnsureSyncPoint(ctx context.Context, sp *SyncPoint) error
	GetSyncPoint(ctx context.Context, entityID, traversalID string, isUpdate bool) (*SyncPoint, error)
	UpdateSyncPointCAS(ctx context.Context, sp *SyncPoint, expectedAtomicKey int64) (bool, error)
	DeleteSyncPoint(ctx context.Context, entityID, traversalID string, isUpdate bool) error
	DeleteTraversalSyncPoints(ctx context.Context, traversalID string) error

	// Stack lock operations
	AcquireStackLock(ctx context.Context, stackID, engineID string) (string, error)
	StealStackLock(ctx context.Context, stackID, fromEngineID, toEngineID string) (bool, error)
	ReleaseStackLock(ctx context.Context, stackID, engineID string) (bool, error)
	GetStackLock(ctx context.Context, stackID string) (*StackLock, error)

	// Engine operations
	UpsertEngine(ctx context.Context, engine *Engine) error
	GetEngine(ctx context.Context, id string) (*Engine, error)
	ListEngines(ctx context.Context) ([]*Engine, error)
	DeleteEngine(ctx context.Context, id string) error

	// Event operations
	AppendStackEvent(ctx context.Context, event *StackEvent) error
	ListStackEvents(ctx context.Context, stackID string, limit, offset int) ([]*StackEvent, error)
	PruneStackEvents(ctx context.Context, stackID string, keep int) error

	// Utility
	HealthCheck(ctx context.Context) error
}
