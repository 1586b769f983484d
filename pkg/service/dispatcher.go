package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/storage"
	"github.com/pkg/errors"
)

// ActionExecutor runs the side effect of a single action.
// *actions.Handlers satisfies it.
type ActionExecutor interface {
	Execute(ctx context.Context, index int, action models.Action, trigger models.TriggerContext) (any, error)
}

// resultCarrier is implemented by errors that have a structured payload
// worth keeping on the failed log (e.g. a webhook's status and body).
type resultCarrier interface {
	Result() any
}

// Dispatcher executes one action and journals the attempt around it.
type Dispatcher struct {
	journal  storage.Journal
	handlers ActionExecutor
	logger   Logger
	metrics  *instruments
	now      func() time.Time
}

func NewDispatcher(journal storage.Journal, handlers ActionExecutor, logger Logger) *Dispatcher {
	return &Dispatcher{
		journal:  journal,
		handlers: handlers,
		logger:   logger,
		metrics:  newInstruments(nil),
		now:      time.Now,
	}
}

// ExecuteAction writes a pending log, runs the handler and finalizes the log.
// A handler error is recorded on the log and returned unchanged.
func (d *Dispatcher) ExecuteAction(ctx context.Context, executionID string, index int, action models.Action, trigger models.TriggerContext) error {
	journalCtx := context.WithoutCancel(ctx)

	actionType := models.ActionType("")
	if action != nil {
		actionType = action.Type()
	}
	config, err := actionConfig(action)
	if err != nil {
		d.logger.Errorf("Failed to snapshot action %d of execution %s: %v", index, executionID, err)
	}

	logID, err := d.journal.CreateActionLog(journalCtx, models.ActionLog{
		ExecutionID:  executionID,
		ActionIndex:  index,
		ActionType:   actionType,
		ActionConfig: config,
		Status:       models.PendingActionLogStatus,
		CreatedAt:    d.now().UTC(),
	})
	if err != nil {
		d.logger.Errorf("Failed to create log for action %d of execution %s: %v", index, executionID, err)
		return errors.Wrapf(err, "create log for action %d", index)
	}

	start := time.Now()
	var result any
	if err = ctx.Err(); err == nil {
		result, err = d.handlers.Execute(ctx, index, action, trigger)
	}
	d.metrics.recordAction(journalCtx, string(actionType), time.Since(start), err)

	if err != nil {
		var detail []byte
		var rc resultCarrier
		if errors.As(err, &rc) {
			detail, _ = json.Marshal(rc.Result())
		}
		if updateErr := d.journal.CompleteActionLog(journalCtx, logID, models.FailedActionLogStatus, detail, err.Error()); updateErr != nil {
			d.logger.Errorf("Failed to update action log %s to failed: %v", logID, updateErr)
		}
		d.logger.Errorf("Action %d (%s) of execution %s failed: %v", index, actionType, executionID, err)
		return err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		d.logger.Errorf("Failed to encode result of action %d: %v", index, err)
		payload = nil
	}
	if err := d.journal.CompleteActionLog(journalCtx, logID, models.SuccessActionLogStatus, payload, ""); err != nil {
		d.logger.Errorf("Failed to update action log %s to success: %v", logID, err)
		err = errors.Wrapf(err, "finalize log for action %d", index)
		// The execution will be marked failed, so the log must not stay pending.
		if updateErr := d.journal.CompleteActionLog(journalCtx, logID, models.FailedActionLogStatus, payload, err.Error()); updateErr != nil {
			d.logger.Errorf("Failed to update action log %s to failed: %v", logID, updateErr)
		}
		return err
	}
	d.logger.Infof("Action %d (%s) of execution %s succeeded", index, actionType, executionID)
	return nil
}

func actionConfig(action models.Action) (json.RawMessage, error) {
	if action == nil {
		return json.RawMessage(`null`), nil
	}
	raw, err := models.MarshalAction(action)
	if err != nil {
		fallback, _ := json.Marshal(map[string]any{"type": action.Type()})
		return fallback, err
	}
	return raw, nil
}
