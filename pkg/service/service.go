package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leadflow/leadflow/pkg/actions"
	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Logger defines the logging interface for WorkflowService
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Dependencies are the collaborators the engine talks to.
type Dependencies struct {
	Workflows  storage.WorkflowStore
	Journal    storage.Journal
	Entities   storage.EntityStore
	HTTPClient actions.Doer
}

// StoreDependencies wires every persistence concern to a single store.
func StoreDependencies(store storage.Store, client actions.Doer) Dependencies {
	return Dependencies{
		Workflows:  store,
		Journal:    store,
		Entities:   store,
		HTTPClient: client,
	}
}

type options struct {
	webhookTimeout time.Duration
	limiter        *rate.Limiter
	meter          metric.Meter
	now            func() time.Time
}

type Option func(*options)

// WithWebhookTimeout bounds every outbound webhook call.
func WithWebhookTimeout(d time.Duration) Option {
	return func(o *options) { o.webhookTimeout = d }
}

// WithWebhookRateLimit shares l across all webhook calls of this service.
func WithWebhookRateLimit(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WorkflowService loads workflows and runs their actions in order,
// journaling the execution and each action attempt.
type WorkflowService struct {
	workflows  storage.WorkflowStore
	journal    storage.Journal
	dispatcher *Dispatcher
	logger     Logger
	metrics    *instruments
	now        func() time.Time
}

func NewWorkflowService(deps Dependencies, logger Logger, opts ...Option) *WorkflowService {
	o := options{webhookTimeout: actions.DefaultWebhookTimeout, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	handlerOpts := []actions.Option{
		actions.WithWebhookTimeout(o.webhookTimeout),
		actions.WithClock(o.now),
	}
	if o.limiter != nil {
		handlerOpts = append(handlerOpts, actions.WithRateLimiter(o.limiter))
	}
	handlers := actions.NewHandlers(deps.Entities, deps.HTTPClient, handlerOpts...)

	metrics := newInstruments(o.meter)
	dispatcher := NewDispatcher(deps.Journal, handlers, logger)
	dispatcher.metrics = metrics
	dispatcher.now = o.now

	return &WorkflowService{
		workflows:  deps.Workflows,
		journal:    deps.Journal,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics,
		now:        o.now,
	}
}

// ExecuteWorkflow runs the workflow's actions sequentially against trigger and
// stops at the first failure. The execution id is returned whenever the
// execution row was created, including when err is non-nil.
func (s *WorkflowService) ExecuteWorkflow(ctx context.Context, workflowID int64, triggeredBy models.TriggerKind, trigger models.TriggerContext) (string, error) {
	if !triggeredBy.Valid() {
		return "", errors.Wrapf(ErrInvalidTrigger, "got %q", triggeredBy)
	}
	if trigger == nil {
		trigger = models.TriggerContext{}
	}
	journalCtx := context.WithoutCancel(ctx)

	execID, err := s.journal.CreateExecution(journalCtx, models.WorkflowExecution{
		WorkflowID:  workflowID,
		TriggeredBy: triggeredBy,
		TriggerData: trigger,
		Status:      models.RunningExecutionStatus,
		StartedAt:   s.now().UTC(),
	})
	if err != nil {
		s.logger.Errorf("Failed to create execution for workflow %d: %v", workflowID, err)
		return "", errors.Wrap(err, "create execution")
	}
	s.logger.Infof("Execution %s of workflow %d started (%s)", execID, workflowID, triggeredBy)

	err = s.run(ctx, execID, workflowID, trigger)
	s.metrics.recordExecution(journalCtx, string(triggeredBy), err)
	return execID, err
}

func (s *WorkflowService) run(ctx context.Context, execID string, workflowID int64, trigger models.TriggerContext) error {
	wf, err := s.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = workflowNotFound(workflowID)
		} else {
			err = errors.Wrapf(err, "load workflow %d", workflowID)
		}
		return s.fail(ctx, execID, err)
	}
	if !wf.IsActive {
		return s.fail(ctx, execID, workflowInactive(workflowID))
	}

	for i, action := range wf.Actions {
		if err := s.dispatcher.ExecuteAction(ctx, execID, i, action, trigger); err != nil {
			return s.fail(ctx, execID, err)
		}
	}

	summary, _ := json.Marshal(map[string]int{"actions_executed": len(wf.Actions)})
	if err := s.journal.CompleteExecution(context.WithoutCancel(ctx), execID, models.SuccessExecutionStatus, summary, ""); err != nil {
		s.logger.Errorf("Failed to mark execution %s as success: %v", execID, err)
		return errors.Wrap(err, "complete execution")
	}
	s.logger.Infof("Execution %s of workflow %d succeeded after %d actions", execID, workflowID, len(wf.Actions))
	return nil
}

// fail records cause on the execution and hands it back to the caller.
func (s *WorkflowService) fail(ctx context.Context, execID string, cause error) error {
	if err := s.journal.CompleteExecution(context.WithoutCancel(ctx), execID, models.FailedExecutionStatus, nil, cause.Error()); err != nil {
		s.logger.Errorf("Failed to mark execution %s as failed: %v (original error: %v)", execID, err, cause)
	}
	s.logger.Errorf("Execution %s failed: %v", execID, cause)
	return cause
}

// CreateWorkflow stores a new workflow definition. Actions whose type is not
// known to this build are rejected here rather than at run time.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, name string, list models.ActionList, active bool) (int64, error) {
	if name == "" {
		return 0, errors.New("workflow name cannot be empty")
	}
	if len(name) > 100 {
		return 0, errors.New("workflow name too long (max 100 characters)")
	}
	for i, a := range list {
		if _, ok := a.(models.UnknownAction); ok || a == nil {
			return 0, errors.WithMessagef(ErrUnknownActionType, "action %d", i)
		}
	}

	now := s.now().UTC()
	id, err := s.workflows.SaveWorkflow(ctx, models.Workflow{
		Name:      name,
		IsActive:  active,
		Actions:   list,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		s.logger.Errorf("Failed to create workflow %q: %v", name, err)
		return 0, errors.Wrap(err, "save workflow")
	}
	s.logger.Infof("Created workflow %d (%s) with %d actions", id, name, len(list))
	return id, nil
}

func (s *WorkflowService) GetWorkflow(ctx context.Context, id int64) (models.Workflow, error) {
	wf, err := s.workflows.GetWorkflow(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Workflow{}, workflowNotFound(id)
	}
	return wf, err
}

func (s *WorkflowService) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	return s.workflows.ListWorkflows(ctx)
}

// SetWorkflowActive toggles whether the workflow can be executed.
func (s *WorkflowService) SetWorkflowActive(ctx context.Context, id int64, active bool) error {
	err := s.workflows.SetWorkflowActive(ctx, id, active)
	if errors.Is(err, storage.ErrNotFound) {
		return workflowNotFound(id)
	}
	if err != nil {
		return errors.Wrapf(err, "update workflow %d", id)
	}
	s.logger.Infof("Workflow %d active=%t", id, active)
	return nil
}

// ExecutionReport is an execution together with its action logs.
type ExecutionReport struct {
	models.WorkflowExecution
	Actions []models.ActionLog `json:"actions"`
}

func (s *WorkflowService) GetExecution(ctx context.Context, id string) (ExecutionReport, error) {
	exec, err := s.journal.GetExecution(ctx, id)
	if err != nil {
		return ExecutionReport{}, errors.Wrapf(err, "execution %s", id)
	}
	logs, err := s.journal.ListActionLogs(ctx, id)
	if err != nil {
		return ExecutionReport{}, errors.Wrapf(err, "action logs of execution %s", id)
	}
	return ExecutionReport{WorkflowExecution: exec, Actions: logs}, nil
}

// ListExecutions returns the most recent executions of a workflow, newest first.
func (s *WorkflowService) ListExecutions(ctx context.Context, workflowID int64, limit int) ([]models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.journal.ListExecutions(ctx, workflowID, limit)
}
