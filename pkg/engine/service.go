package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openstratus/stratus/pkg/stores"
	"github.com/openstratus/stratus/pkg/telemetry"
)

// defaultHeartbeatInterval is how often the engine row is refreshed.
const defaultHeartbeatInterval = 10 * time.Second

// ServiceConfig configures an engine service instance.
type ServiceConfig struct {
	// EngineID identifies this engine process. Empty generates one.
	EngineID string

	// Hostname is recorded on the engine row. Empty uses os.Hostname.
	Hostname string

	// HeartbeatInterval is how often the engine heartbeat is written.
	HeartbeatInterval time.Duration

	// HeartbeatTTL is the liveness window granted to other engines' rows.
	HeartbeatTTL time.Duration

	// DefaultTimeout bounds traversals that carry no explicit timeout.
	DefaultTimeout time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.EngineID == "" {
		c.EngineID = uuid.NewString()
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = DefaultHeartbeatTTL
	}
	return c
}

// Service is the operation surface of the engine. It owns the composition of
// the traversal coordinator, resource worker, stack locker and task groups,
// and is what the CLI and the remote worker listener talk to.
//
// All mutating operations validate first and fail before any state is
// created; once a traversal starts, progress is reported through stack status
// and events rather than the call's return.
type Service struct {
	store     stores.Store
	templates TemplateEngine
	adapters  AdapterRegistry
	policy    PolicyGate

	oracle *HeartbeatOracle
	groups *TaskGroupManager
	worker *ResourceWorker
	locker *StackLocker
	coord  *TraversalCoordinator

	engineID  string
	hostname  string
	heartbeat time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// NewService wires an engine service. The policy gate is optional; a nil gate
// allows everything.
func NewService(store stores.Store, templates TemplateEngine, adapters AdapterRegistry, policy PolicyGate, cfg ServiceConfig, tel *telemetry.Telemetry) *Service {
	if tel == nil {
		tel = telemetry.Nop()
	}
	cfg = cfg.withDefaults()

	oracle := NewHeartbeatOracle(store, cfg.HeartbeatTTL)
	groups := NewTaskGroupManager(tel)
	worker := NewResourceWorker(store, adapters, templates, oracle, groups, cfg.EngineID, tel)
	locker := NewStackLocker(store, oracle, cfg.EngineID, tel)
	coord := NewTraversalCoordinator(store, templates, NewSyncPointManager(store, tel), locker, groups, worker, tel)
	coord.SetDefaultTimeout(cfg.DefaultTimeout)
	coord.SetDispatcher(NewLocalDispatcher(groups, worker, coord, tel))

	return &Service{
		store:     store,
		templates: templates,
		adapters:  adapters,
		policy:    policy,
		oracle:    oracle,
		groups:    groups,
		worker:    worker,
		locker:    locker,
		coord:     coord,
		engineID:  cfg.EngineID,
		hostname:  cfg.Hostname,
		heartbeat: cfg.HeartbeatInterval,
		stopped:   make(chan struct{}),
		logger:    tel.Logger.NewComponentLogger("service"),
		metrics:   tel.Metrics,
		events:    tel.Events,
	}
}

// EngineID returns the id this engine registers and claims work under.
func (s *Service) EngineID() string {
	return s.engineID
}

// Worker exposes the resource worker for remote-dispatch listeners.
func (s *Service) Worker() *ResourceWorker {
	return s.worker
}

// SetDispatcher replaces the in-process dispatcher, e.g. with a remote one.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.coord.SetDispatcher(d)
}

// Sink exposes the coordinator's output fan-in. Remote dispatchers route
// worker results through it.
func (s *Service) Sink() OutputSink {
	return s.coord
}

// CreateStack validates the template, persists the stack and starts its
// create traversal (an adopt traversal when adopt data is present). It
// returns the new stack id. If the traversal fails to start, the id is
// returned alongside the error and the stack remains in init state.
func (s *Service) CreateStack(ctx context.Context, in *CreateStackInput) (string, error) {
	if in == nil {
		return "", NewValidationError("create input is required")
	}
	if err := in.Validate(); err != nil {
		return "", err
	}

	tmpl, err := s.templates.Parse(ctx, in.Template, in.Parameters)
	if err != nil {
		return "", err
	}
	if err := s.validateTemplate(ctx, tmpl); err != nil {
		return "", err
	}
	if in.AdoptData != nil {
		for key := range in.AdoptData.Resources {
			if tmpl.Definition(key) == nil {
				return "", NewValidationError(fmt.Sprintf("adopt data names %s, which is not in the template", key)).WithResource(key)
			}
		}
	}

	action := ActionCreate
	if in.AdoptData != nil {
		action = ActionAdopt
	}
	if err := s.authorize(ctx, action, in.Name, in.Tenant, in.Tags, tmpl); err != nil {
		return "", err
	}

	existing, err := s.store.GetStackByName(ctx, in.Tenant, in.Name)
	if err == nil {
		return "", NewConflictError(fmt.Sprintf("stack %s already exists", in.Name), nil).WithStack(existing.ID)
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return "", fmt.Errorf("failed to look up stack %s: %w", in.Name, err)
	}

	templateID := uuid.NewString()
	if err := s.persistTemplate(ctx, templateID, in.Template, in.Parameters); err != nil {
		return "", err
	}

	stack := &stores.Stack{
		ID:              uuid.NewString(),
		Name:            in.Name,
		Tenant:          in.Tenant,
		Action:          string(action),
		Status:          string(StackStatusInit),
		RawTemplateID:   templateID,
		Parameters:      marshalParameters(in.Parameters),
		Tags:            encodeTags(in.Tags),
		TimeoutSeconds:  int64(in.Timeout / time.Second),
		DisableRollback: in.DisableRollback,
	}
	if in.AdoptData != nil {
		raw, err := json.Marshal(in.AdoptData)
		if err != nil {
			return "", fmt.Errorf("failed to encode adopt data: %w", err)
		}
		adopt := string(raw)
		stack.AdoptData = &adopt
	}
	if err := s.store.CreateStack(ctx, stack); err != nil {
		if derr := s.store.DeleteRawTemplate(ctx, templateID); derr != nil {
			s.logger.Warnf("failed to drop unused template %s: %v", templateID, derr)
		}
		return "", fmt.Errorf("failed to create stack %s: %w", in.Name, err)
	}
	s.logger.WithStackID(stack.ID).Infof("stack %s created", in.Name)

	if _, err := s.coord.StartTraversal(ctx, &TraversalSpec{
		StackID:         stack.ID,
		Action:          action,
		Desired:         tmpl,
		Parameters:      in.Parameters,
		Timeout:         in.Timeout,
		DisableRollback: in.DisableRollback,
	}); err != nil {
		return stack.ID, err
	}
	return stack.ID, nil
}

// UpdateStack starts an update traversal toward a new template version. Any
// in-flight traversal is superseded the moment the new one lands. It returns
// the traversal id.
func (s *Service) UpdateStack(ctx context.Context, in *UpdateStackInput) (string, error) {
	if in == nil {
		return "", NewValidationError("update input is required")
	}
	if err := in.Validate(); err != nil {
		return "", err
	}

	stack, err := s.resolveStack(ctx, in.StackID)
	if err != nil {
		return "", err
	}
	if err := requireLive(stack); err != nil {
		return "", err
	}

	tmpl, err := s.templates.Parse(ctx, in.Template, in.Parameters)
	if err != nil {
		return "", err
	}
	if err := s.validateTemplate(ctx, tmpl); err != nil {
		return "", err
	}
	if err := s.authorize(ctx, ActionUpdate, stack.Name, stack.Tenant, decodeTags(stack.Tags), tmpl); err != nil {
		return "", err
	}

	templateID := uuid.NewString()
	if err := s.persistTemplate(ctx, templateID, in.Template, in.Parameters); err != nil {
		return "", err
	}

	traversalID, err := s.coord.StartTraversal(ctx, &TraversalSpec{
		StackID:         stack.ID,
		Action:          ActionUpdate,
		RawTemplateID:   templateID,
		Desired:         tmpl,
		Parameters:      in.Parameters,
		Timeout:         in.Timeout,
		DisableRollback: in.DisableRollback,
		IsConverge:      in.IsConverge,
	})
	if err != nil {
		s.dropUnreferencedTemplate(ctx, stack.ID, templateID)
		return "", err
	}
	return traversalID, nil
}

// dropUnreferencedTemplate removes a template row whose traversal never
// committed. The stack is re-read first: an error after the template swap
// must not delete a template the stack now points at.
func (s *Service) dropUnreferencedTemplate(ctx context.Context, stackID, templateID string) {
	fresh, err := s.store.GetStack(ctx, stackID)
	if err == nil && fresh.RawTemplateID == templateID {
		return
	}
	if err := s.store.DeleteRawTemplate(ctx, templateID); err != nil {
		s.logger.WithStackID(stackID).Warnf("failed to drop unused template %s: %v", templateID, err)
	}
}

// DeleteStack starts a delete traversal removing every resource in reverse
// dependency order, then the stack itself. Deleting an already-deleted stack
// is a no-op. It returns the traversal id, empty for the no-op.
func (s *Service) DeleteStack(ctx context.Context, ref string) (string, error) {
	stack, err := s.resolveStack(ctx, ref)
	if err != nil {
		return "", err
	}
	if stack.DeletedAt != nil {
		return "", nil
	}
	if err := s.authorize(ctx, ActionDelete, stack.Name, stack.Tenant, decodeTags(stack.Tags), nil); err != nil {
		return "", err
	}

	return s.coord.StartTraversal(ctx, &TraversalSpec{
		StackID: stack.ID,
		Action:  ActionDelete,
	})
}

// SuspendStack suspends every resource, dependents first. Resources whose
// adapter lacks the Suspender capability are skipped.
func (s *Service) SuspendStack(ctx context.Context, ref string) (string, error) {
	stack, err := s.resolveStack(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := requireLive(stack); err != nil {
		return "", err
	}
	if err := s.authorize(ctx, ActionSuspend, stack.Name, stack.Tenant, decodeTags(stack.Tags), nil); err != nil {
		return "", err
	}

	return s.coord.StartTraversal(ctx, &TraversalSpec{
		StackID: stack.ID,
		Action:  ActionSuspend,
	})
}

// ResumeStack resumes suspended resources in dependency order.
func (s *Service) ResumeStack(ctx context.Context, ref string) (string, error) {
	stack, err := s.resolveStack(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := requireLive(stack); err != nil {
		return "", err
	}
	if err := s.authorize(ctx, ActionResume, stack.Name, stack.Tenant, decodeTags(stack.Tags), nil); err != nil {
		return "", err
	}

	tmpl, err := s.currentTemplate(ctx, stack)
	if err != nil {
		return "", err
	}
	return s.coord.StartTraversal(ctx, &TraversalSpec{
		StackID: stack.ID,
		Action:  ActionResume,
		Desired: tmpl,
	})
}

// CheckStack health-checks every resource against its physical state. Healthy
// rows keep their statuses; failures mark the row and the stack check failed.
func (s *Service) CheckStack(ctx context.Context, ref string) (string, error) {
	stack, err := s.resolveStack(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := requireLive(stack); err != nil {
		return "", err
	}

	tmpl, err := s.currentTemplate(ctx, stack)
	if err != nil {
		return "", err
	}
	return s.coord.StartTraversal(ctx, &TraversalSpec{
		StackID: stack.ID,
		Action:  ActionCheck,
		Desired: tmpl,
	})
}

// ConvergeStack re-runs the stack's current template as an
// observe-and-converge update: every resource is health-checked and repaired
// on drift, even when its definition did not change.
func (s *Service) ConvergeStack(ctx context.Context, ref string) (string, error) {
	stack, err := s.resolveStack(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := requireLive(stack); err != nil {
		return "", err
	}

	tmpl, err := s.currentTemplate(ctx, stack)
	if err != nil {
		return "", err
	}
	if err := s.authorize(ctx, ActionUpdate, stack.Name, stack.Tenant, decodeTags(stack.Tags), tmpl); err != nil {
		return "", err
	}
	return s.coord.StartTraversal(ctx, &TraversalSpec{
		StackID:    stack.ID,
		Action:     ActionUpdate,
		Desired:    tmpl,
		IsConverge: true,
	})
}

// StackCancelUpdate stops the in-flight traversal. With rollback it starts a
// rollback traversal that supersedes the running one and converges back to
// the previous template; without, workers abandon at their next checkpoint
// and the stack finalizes failed. It returns the rollback traversal id, empty
// for a plain cancel.
func (s *Service) StackCancelUpdate(ctx context.Context, ref string, cancelWithRollback bool) (string, error) {
	stack, err := s.resolveStack(ctx, ref)
	if err != nil {
		return "", err
	}
	if cancelWithRollback {
		return s.coord.Rollback(ctx, stack.ID)
	}
	return "", s.coord.Cancel(ctx, stack.ID)
}

// CheckResource runs one graph node's work on this engine's worker. Remote
// worker listeners expose this over the wire.
func (s *Service) CheckResource(ctx context.Context, req *CheckResourceRequest) (*NodeOutput, error) {
	return s.worker.CheckResource(ctx, req)
}

// GetStack loads a stack by id, falling back to a default-tenant name lookup.
func (s *Service) GetStack(ctx context.Context, ref string) (*stores.Stack, error) {
	return s.resolveStack(ctx, ref)
}

// ListStacks lists stacks matching the filter.
func (s *Service) ListStacks(ctx context.Context, filter stores.ListStacksFilter) ([]*stores.Stack, error) {
	return s.store.ListStacks(ctx, filter)
}

// ListStackResources lists every resource row of a stack, including replaced
// copies still awaiting cleanup.
func (s *Service) ListStackResources(ctx context.Context, ref string) ([]*stores.Resource, error) {
	stack, err := s.resolveStack(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.store.ListStackResources(ctx, stack.ID)
}

// ListStackEvents returns the stack's event history, newest first.
func (s *Service) ListStackEvents(ctx context.Context, ref string, limit, offset int) ([]*stores.StackEvent, error) {
	stack, err := s.resolveStack(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.store.ListStackEvents(ctx, stack.ID, limit, offset)
}

// DescribeResource returns the live row of a logical resource key.
func (s *Service) DescribeResource(ctx context.Context, ref, key string) (*stores.Resource, error) {
	stack, err := s.resolveStack(ctx, ref)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListResourcesByName(ctx, stack.ID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource %s: %w", key, err)
	}
	var live *stores.Resource
	for _, row := range rows {
		if row.ReplacedBy != nil {
			continue
		}
		if live == nil || row.ID > live.ID {
			live = row
		}
	}
	if live == nil {
		return nil, NewNotFoundError(fmt.Sprintf("resource %s not found in stack %s", key, stack.Name), nil).
			WithStack(stack.ID).WithResource(key)
	}
	return live, nil
}

// Run registers the engine, starts the heartbeat and recovers traversals left
// in flight by a previous run of this engine or by dead ones. Stacks held by
// other live engines are skipped.
func (s *Service) Run(ctx context.Context) error {
	if err := s.beat(ctx); err != nil {
		return fmt.Errorf("failed to register engine %s: %w", s.engineID, err)
	}
	s.oracle.RegisterLocal(s.engineID)
	s.logger.WithEngineID(s.engineID).Infof("engine registered on %s", s.hostname)

	s.wg.Add(1)
	go s.heartbeatLoop(ctx)

	return s.recoverInFlight(ctx)
}

// Shutdown drains running resource operations, stops the heartbeat and
// removes the engine registration. In-flight traversals stay resumable: the
// next engine to start picks them up through recovery.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.groups.StopAll(true)
		close(s.stopped)
	})
	s.wg.Wait()

	s.oracle.UnregisterLocal(s.engineID)
	if err := s.store.DeleteEngine(ctx, s.engineID); err != nil {
		s.logger.WithEngineID(s.engineID).WithError(err).Warn("failed to remove engine registration")
	}
	s.logger.WithEngineID(s.engineID).Info("engine stopped")
	return nil
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			if err := s.beat(ctx); err != nil {
				s.logger.WithEngineID(s.engineID).WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func (s *Service) beat(ctx context.Context) error {
	return s.store.UpsertEngine(ctx, &stores.Engine{
		ID:            s.engineID,
		Hostname:      s.hostname,
		LastHeartbeat: time.Now().UTC(),
	})
}

// recoverInFlight re-dispatches every in-progress traversal this engine can
// lock. Conflicts mean another live engine owns the stack.
func (s *Service) recoverInFlight(ctx context.Context) error {
	stacks, err := s.store.ListStacks(ctx, stores.ListStacksFilter{})
	if err != nil {
		return fmt.Errorf("failed to scan for interrupted traversals: %w", err)
	}
	for _, stack := range stacks {
		if StackStatus(stack.Status) != StackStatusInProgress || stack.CurrentTraversal == "" {
			continue
		}
		if err := s.coord.Recover(ctx, stack.ID); err != nil {
			if IsConflict(err) {
				continue
			}
			s.logger.WithStackID(stack.ID).WithError(err).Warn("failed to recover traversal")
		}
	}
	return nil
}

// validateTemplate rejects templates the engine could not traverse: dependency
// cycles, unknown adapter types, and properties a Validator adapter refuses.
func (s *Service) validateTemplate(ctx context.Context, tmpl *ParsedTemplate) error {
	if _, err := NewGraphBuilder().Build(tmpl.Resources, nil); err != nil {
		return err
	}

	keys := make([]string, 0, len(tmpl.Resources))
	for key := range tmpl.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		def := tmpl.Resources[key]
		if s.adapters == nil || !s.adapters.Has(def.Type) {
			return NewValidationError(fmt.Sprintf("resource %s: no adapter for type %s", key, def.Type)).WithResource(key)
		}
		adapter, err := s.adapters.Get(def.Type)
		if err != nil {
			return err
		}
		if v, ok := adapter.(Validator); ok {
			if err := v.ValidateProperties(ctx, def.Type, def.Properties); err != nil {
				return NewValidationError(fmt.Sprintf("resource %s: %s", key, err)).WithResource(key)
			}
		}
	}
	return nil
}

// authorize consults the policy gate; a nil gate allows everything.
func (s *Service) authorize(ctx context.Context, action StackAction, name, tenant string, tags []string, tmpl *ParsedTemplate) error {
	if s.policy == nil {
		return nil
	}
	input := &PolicyInput{
		Action:    action,
		StackName: name,
		Tenant:    tenant,
		Tags:      tags,
	}
	if tmpl != nil {
		input.ResourceCount = len(tmpl.Resources)
		types := make(map[string]struct{}, len(tmpl.Resources))
		for _, def := range tmpl.Resources {
			types[def.Type] = struct{}{}
		}
		for t := range types {
			input.ResourceTypes = append(input.ResourceTypes, t)
		}
		sort.Strings(input.ResourceTypes)
	}
	if err := s.policy.AuthorizeStackAction(ctx, input); err != nil {
		s.metrics.RecordError(ClassOf(err), errorCode(err))
		if s.events != nil {
			_ = s.events.PublishPolicyViolation(name, "stack_policy", err.Error())
		}
		return err
	}
	return nil
}

// resolveStack accepts a stack id or a default-tenant stack name.
func (s *Service) resolveStack(ctx context.Context, ref string) (*stores.Stack, error) {
	if ref == "" {
		return nil, NewValidationError("stack reference is required")
	}
	stack, err := s.store.GetStack(ctx, ref)
	if err == nil {
		return stack, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return nil, fmt.Errorf("failed to load stack %s: %w", ref, err)
	}
	stack, nerr := s.store.GetStackByName(ctx, "", ref)
	if nerr == nil {
		return stack, nil
	}
	if errors.Is(nerr, stores.ErrNotFound) {
		return nil, NewNotFoundError(fmt.Sprintf("stack %s not found", ref), err).WithStack(ref)
	}
	return nil, fmt.Errorf("failed to load stack %s: %w", ref, nerr)
}

// currentTemplate loads and parses the template the stack currently points at.
func (s *Service) currentTemplate(ctx context.Context, stack *stores.Stack) (*ParsedTemplate, error) {
	raw, err := s.store.GetRawTemplate(ctx, stack.RawTemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", stack.RawTemplateID, err)
	}
	var params map[string]interface{}
	if raw.Parameters != "" {
		if err := json.Unmarshal([]byte(raw.Parameters), &params); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of template %s: %w", raw.ID, err)
		}
	}
	return s.templates.Parse(ctx, []byte(raw.Template), params)
}

func (s *Service) persistTemplate(ctx context.Context, id string, template []byte, params map[string]interface{}) error {
	if err := s.store.CreateRawTemplate(ctx, &stores.RawTemplate{
		ID:         id,
		Template:   string(template),
		Parameters: marshalParameters(params),
	}); err != nil {
		return fmt.Errorf("failed to persist template: %w", err)
	}
	return nil
}

func requireLive(stack *stores.Stack) error {
	if stack.DeletedAt != nil {
		return NewNotFoundError(fmt.Sprintf("stack %s is deleted", stack.Name), nil).WithStack(stack.ID)
	}
	return nil
}

func encodeTags(tags []string) *string {
	if len(tags) == 0 {
		return nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil
	}
	encoded := string(raw)
	return &encoded
}

func decodeTags(tags *string) []string {
	if tags == nil || *tags == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(*tags), &out); err != nil {
		return nil
	}
	return out
}
