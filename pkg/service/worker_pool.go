package service

import (
	"context"
	"runtime"
	"sync"

	"github.com/leadflow/leadflow/pkg/models"
)

// RunRequest asks for one execution of a workflow.
type RunRequest struct {
	WorkflowID  int64
	TriggeredBy models.TriggerKind
	Trigger     models.TriggerContext
}

// RunOutcome is the result of a RunRequest.
type RunOutcome struct {
	Request     RunRequest
	ExecutionID string
	Err         error
}

type job struct {
	ctx    context.Context
	req    RunRequest
	result chan<- RunOutcome
}

// WorkerPool runs independent executions in parallel. Actions inside one
// execution still run in order on a single worker.
type WorkerPool struct {
	exec    Executor
	logger  Logger
	jobs    chan job
	ctx     context.Context
	mu      sync.RWMutex
	wg      sync.WaitGroup
	stopped bool
}

func NewWorkerPool(mainCtx context.Context, exec Executor, logger Logger) *WorkerPool {
	return &WorkerPool{
		exec:   exec,
		logger: logger,
		ctx:    mainCtx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobs = make(chan job, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop drains queued runs and waits for the workers to exit.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for j := range wp.jobs {
		out := RunOutcome{Request: j.req}
		switch {
		case wp.ctx.Err() != nil:
			out.Err = wp.ctx.Err()
		case j.ctx.Err() != nil:
			out.Err = j.ctx.Err()
		default:
			out.ExecutionID, out.Err = wp.exec.ExecuteWorkflow(j.ctx, j.req.WorkflowID, j.req.TriggeredBy, j.req.Trigger)
		}
		if out.Err != nil {
			wp.logger.Errorf("Run of workflow %d failed: %v", j.req.WorkflowID, out.Err)
		}
		j.result <- out
	}
}

// Submit queues req and returns a channel that receives exactly one outcome.
func (wp *WorkerPool) Submit(ctx context.Context, req RunRequest) <-chan RunOutcome {
	result := make(chan RunOutcome, 1)

	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped || wp.jobs == nil {
		result <- RunOutcome{Request: req, Err: ErrPoolStopped}
		return result
	}

	select {
	case wp.jobs <- job{ctx: ctx, req: req, result: result}:
	case <-ctx.Done():
		result <- RunOutcome{Request: req, Err: ctx.Err()}
	case <-wp.ctx.Done():
		result <- RunOutcome{Request: req, Err: wp.ctx.Err()}
	}
	return result
}

// ExecuteBatch runs every request and returns the outcomes in request order.
func (wp *WorkerPool) ExecuteBatch(ctx context.Context, reqs []RunRequest) []RunOutcome {
	pending := make([]<-chan RunOutcome, len(reqs))
	for i, req := range reqs {
		pending[i] = wp.Submit(ctx, req)
	}
	outcomes := make([]RunOutcome, len(reqs))
	for i, ch := range pending {
		outcomes[i] = <-ch
	}
	return outcomes
}

// EntityRuns builds one request per entity id, each with its own trigger
// context derived from base.
func EntityRuns(workflowID int64, triggeredBy models.TriggerKind, base models.TriggerContext, entityIDs []string) []RunRequest {
	reqs := make([]RunRequest, 0, len(entityIDs))
	for _, id := range entityIDs {
		trigger := base.Clone()
		trigger["entity_id"] = id
		reqs = append(reqs, RunRequest{WorkflowID: workflowID, TriggeredBy: triggeredBy, Trigger: trigger})
	}
	return reqs
}
