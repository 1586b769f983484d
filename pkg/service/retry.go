package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/leadflow/leadflow/pkg/actions"
	"github.com/leadflow/leadflow/pkg/models"
)

// Executor runs one workflow execution. WorkflowService and Retrier satisfy it.
type Executor interface {
	ExecuteWorkflow(ctx context.Context, workflowID int64, triggeredBy models.TriggerKind, trigger models.TriggerContext) (string, error)
}

type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

// Retrier re-runs failed executions from the first action with exponential
// backoff. Every attempt is a new execution; permanent errors stop early.
type Retrier struct {
	exec   Executor
	policy RetryPolicy
	logger Logger
}

func NewRetrier(exec Executor, policy RetryPolicy, logger Logger) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return &Retrier{exec: exec, policy: policy, logger: logger}
}

// ExecuteWorkflow returns the id of the last attempt. All attempts share one
// idempotency key so webhook receivers can drop duplicates.
func (r *Retrier) ExecuteWorkflow(ctx context.Context, workflowID int64, triggeredBy models.TriggerKind, trigger models.TriggerContext) (string, error) {
	trigger = trigger.Clone()
	if key, _ := trigger[actions.IdempotencyKeyField].(string); key == "" {
		trigger[actions.IdempotencyKeyField] = uuid.NewString()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx)

	var (
		lastID  string
		attempt int
	)
	operation := func() error {
		attempt++
		id, err := r.exec.ExecuteWorkflow(ctx, workflowID, triggeredBy, trigger)
		if id != "" {
			lastID = id
		}
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Infof("Attempt %d of workflow %d failed, retrying in %s: %v", attempt, workflowID, wait, err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil {
		r.logger.Errorf("Workflow %d gave up after %d attempts: %v", workflowID, attempt, err)
	}
	return lastID, err
}
