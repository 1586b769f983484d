package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leadflow/leadflow/pkg/actions"
	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/service"
	"github.com/leadflow/leadflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// countingDoer records how many requests reached the transport.
type countingDoer struct {
	calls atomic.Int32
}

func (d *countingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return nil, errors.New("unexpected request")
}

func newStore(t *testing.T) *storage.MemoryStore {
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutEntity(models.LeadEntity, "lead-123", map[string]any{"status": "new", "email": "lead@example.com"}))
	require.NoError(t, store.PutEntity(models.OrganizationEntity, "co-9", map[string]any{"plan": "free"}))
	return store
}

func newService(store *storage.MemoryStore, client actions.Doer) *service.WorkflowService {
	return service.NewWorkflowService(service.StoreDependencies(store, client), logger{})
}

func createWorkflow(t *testing.T, svc *service.WorkflowService, list ...models.Action) int64 {
	id, err := svc.CreateWorkflow(context.Background(), "test workflow", list, true)
	require.NoError(t, err)
	return id
}

func executionLogs(t *testing.T, svc *service.WorkflowService, execID string) service.ExecutionReport {
	report, err := svc.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	return report
}

func TestExecuteWorkflow_AllActionsSucceed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newService(store, nil)
	wfID := createWorkflow(t, svc,
		models.ChangeStatusAction{Entity: models.LeadEntity, Status: "contacted"},
		models.AddTagAction{Entity: models.LeadEntity, Tag: "warm"},
		models.SendEmailAction{Template: "follow_up"},
	)

	execID, err := svc.ExecuteWorkflow(ctx, wfID, models.EventTrigger, models.TriggerContext{"entity_id": "lead-123", "email": "lead@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.SuccessExecutionStatus, report.Status)
	assert.Equal(t, models.EventTrigger, report.TriggeredBy)
	assert.NotNil(t, report.CompletedAt)
	assert.JSONEq(t, `{"actions_executed":3}`, string(report.Result))
	assert.Empty(t, report.ErrorMessage)

	require.Len(t, report.Actions, 3)
	for i, l := range report.Actions {
		assert.Equal(t, i, l.ActionIndex)
		assert.Equal(t, models.SuccessActionLogStatus, l.Status)
		assert.NotNil(t, l.CompletedAt)
		assert.Empty(t, l.ErrorMessage)
	}
	assert.Equal(t, models.ChangeStatusActionType, report.Actions[0].ActionType)
	assert.JSONEq(t, `{"type":"add_tag","entity":"lead","tag":"warm"}`, string(report.Actions[1].ActionConfig))
	assert.JSONEq(t, `{"sent":false,"template":"follow_up","recipient":"lead@example.com"}`, string(report.Actions[2].Result))
}

func TestExecuteWorkflow_EmptyWorkflowSucceeds(t *testing.T) {
	svc := newService(newStore(t), nil)
	wfID := createWorkflow(t, svc)

	execID, err := svc.ExecuteWorkflow(context.Background(), wfID, models.ManualTrigger, nil)
	require.NoError(t, err)

	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.SuccessExecutionStatus, report.Status)
	assert.JSONEq(t, `{"actions_executed":0}`, string(report.Result))
	assert.Empty(t, report.Actions)
}

func TestExecuteWorkflow_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newService(store, nil)
	wfID := createWorkflow(t, svc,
		models.ChangeStatusAction{Entity: models.LeadEntity, Status: "contacted"},
		models.AddTagAction{Entity: models.SubscriptionEntity, Tag: "never"},
		models.AddTagAction{Entity: models.LeadEntity, Tag: "unreached"},
	)

	execID, err := svc.ExecuteWorkflow(ctx, wfID, models.ManualTrigger, models.TriggerContext{"entity_id": "lead-123"})
	require.Error(t, err)
	assert.ErrorIs(t, err, actions.ErrUnsupportedEntity)
	require.NotEmpty(t, execID)

	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.FailedExecutionStatus, report.Status)
	assert.Equal(t, err.Error(), report.ErrorMessage)
	require.Len(t, report.Actions, 2)
	assert.Equal(t, models.SuccessActionLogStatus, report.Actions[0].Status)
	assert.Equal(t, models.FailedActionLogStatus, report.Actions[1].Status)
	assert.Equal(t, err.Error(), report.Actions[1].ErrorMessage)

	// no compensation for the action that already ran
	status, err := store.GetField(models.LeadEntity, "lead-123", "status")
	require.NoError(t, err)
	assert.Equal(t, "contacted", status)
	tags, err := store.GetTags(ctx, models.LeadEntity, "lead-123")
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestExecuteWorkflow_MissingWorkflow(t *testing.T) {
	svc := newService(newStore(t), nil)

	execID, err := svc.ExecuteWorkflow(context.Background(), 999, models.ScheduleTrigger, models.TriggerContext{"entity_id": "lead-123"})
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrWorkflowNotFound)
	assert.Equal(t, "workflow 999 could not be found", err.Error())
	require.NotEmpty(t, execID)

	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.FailedExecutionStatus, report.Status)
	assert.Equal(t, int64(999), report.WorkflowID)
	assert.Contains(t, report.ErrorMessage, "could not be found")
	assert.Empty(t, report.Actions)
}

func TestExecuteWorkflow_InactiveWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newService(store, nil)
	wfID := createWorkflow(t, svc, models.ChangeStatusAction{Entity: models.LeadEntity, Status: "contacted"})
	require.NoError(t, svc.SetWorkflowActive(ctx, wfID, false))

	execID, err := svc.ExecuteWorkflow(ctx, wfID, models.EventTrigger, models.TriggerContext{"entity_id": "lead-123"})
	assert.ErrorIs(t, err, service.ErrWorkflowInactive)

	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.FailedExecutionStatus, report.Status)
	assert.Contains(t, report.ErrorMessage, "inactive")
	assert.Empty(t, report.Actions)

	status, err := store.GetField(models.LeadEntity, "lead-123", "status")
	require.NoError(t, err)
	assert.Equal(t, "new", status)
}

func TestExecuteWorkflow_InsecureWebhookNeverSent(t *testing.T) {
	doer := &countingDoer{}
	svc := newService(newStore(t), doer)
	wfID := createWorkflow(t, svc, models.WebhookAction{URL: "http://hooks.example.com/lead"})

	execID, err := svc.ExecuteWorkflow(context.Background(), wfID, models.EventTrigger, models.TriggerContext{"entity_id": "lead-123"})
	assert.ErrorIs(t, err, actions.ErrWebhookProtocol)
	assert.Equal(t, int32(0), doer.calls.Load())

	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.FailedExecutionStatus, report.Status)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, models.FailedActionLogStatus, report.Actions[0].Status)
}

func TestExecuteWorkflow_TagAddedOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newService(store, nil)
	wfID := createWorkflow(t, svc, models.AddTagAction{Entity: models.LeadEntity, Tag: "hot"})
	trigger := models.TriggerContext{"entity_id": "lead-123"}

	for i := 0; i < 2; i++ {
		_, err := svc.ExecuteWorkflow(ctx, wfID, models.EventTrigger, trigger)
		require.NoError(t, err)
	}

	tags, err := store.GetTags(ctx, models.LeadEntity, "lead-123")
	require.NoError(t, err)
	assert.Equal(t, []string{"hot"}, tags)
}

func TestExecuteWorkflow_MissingEntityID(t *testing.T) {
	svc := newService(newStore(t), nil)
	wfID := createWorkflow(t, svc, models.UpdateFieldAction{Entity: models.LeadEntity, Field: "score", Value: 10})

	execID, err := svc.ExecuteWorkflow(context.Background(), wfID, models.ManualTrigger, models.TriggerContext{"email": "lead@example.com"})
	assert.ErrorIs(t, err, actions.ErrMissingEntityID)

	report := executionLogs(t, svc, execID)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, models.FailedActionLogStatus, report.Actions[0].Status)
	assert.Contains(t, report.Actions[0].ErrorMessage, "missing entity id")
}

func TestExecuteWorkflow_LeadQualificationScenario(t *testing.T) {
	ctx := context.Background()
	var received map[string]any
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store := newStore(t)
	svc := newService(store, srv.Client())
	wfID := createWorkflow(t, svc,
		models.ChangeStatusAction{Entity: models.LeadEntity, Status: "qualified"},
		models.AddTagAction{Entity: models.LeadEntity, Tag: "hot"},
		models.UpdateFieldAction{Entity: models.LeadEntity, Field: "score", Value: 90},
		models.WebhookAction{URL: srv.URL + "/crm/leads", Body: map[string]any{"event": "lead.qualified"}},
		models.SendEmailAction{Template: "sales_intro"},
		models.CreateTaskAction{Title: "Call lead", Assignee: "sales", DueInDays: 2},
	)

	trigger := models.TriggerContext{"entity_id": "lead-123", "email": "lead@example.com"}
	execID, err := svc.ExecuteWorkflow(ctx, wfID, models.EventTrigger, trigger)
	require.NoError(t, err)

	status, err := store.GetField(models.LeadEntity, "lead-123", "status")
	require.NoError(t, err)
	assert.Equal(t, "qualified", status)
	score, err := store.GetField(models.LeadEntity, "lead-123", "score")
	require.NoError(t, err)
	assert.Equal(t, 90, score)
	tags, err := store.GetTags(ctx, models.LeadEntity, "lead-123")
	require.NoError(t, err)
	assert.Equal(t, []string{"hot"}, tags)

	assert.Equal(t, "lead.qualified", received["event"])
	assert.Equal(t, map[string]any{"entity_id": "lead-123", "email": "lead@example.com"}, received["context"])
	assert.NotEmpty(t, received["timestamp"])

	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.SuccessExecutionStatus, report.Status)
	assert.JSONEq(t, `{"actions_executed":6}`, string(report.Result))
	assert.Equal(t, trigger, report.TriggerData)
	require.Len(t, report.Actions, 6)
	assert.JSONEq(t, `{"status_code":200,"body":"{\"ok\":true}"}`, string(report.Actions[3].Result))
}

func TestExecuteWorkflow_WebhookServerError(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("database is down"))
	}))
	defer srv.Close()

	store := newStore(t)
	svc := newService(store, srv.Client())
	wfID := createWorkflow(t, svc,
		models.ChangeStatusAction{Entity: models.LeadEntity, Status: "qualified"},
		models.WebhookAction{URL: srv.URL},
		models.AddTagAction{Entity: models.LeadEntity, Tag: "synced"},
	)

	execID, err := svc.ExecuteWorkflow(ctx, wfID, models.EventTrigger, models.TriggerContext{"entity_id": "lead-123"})
	var respErr *actions.WebhookResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusInternalServerError, respErr.StatusCode)

	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.FailedExecutionStatus, report.Status)
	assert.Contains(t, report.ErrorMessage, "status 500")
	require.Len(t, report.Actions, 2)
	assert.Equal(t, models.SuccessActionLogStatus, report.Actions[0].Status)
	assert.Equal(t, models.FailedActionLogStatus, report.Actions[1].Status)
	assert.JSONEq(t, `{"status_code":500,"body":"database is down"}`, string(report.Actions[1].Result))

	status, err := store.GetField(models.LeadEntity, "lead-123", "status")
	require.NoError(t, err)
	assert.Equal(t, "qualified", status)
	tags, err := store.GetTags(ctx, models.LeadEntity, "lead-123")
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestExecuteWorkflow_UnknownActionType(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newService(store, nil)
	wfID, err := store.SaveWorkflow(ctx, models.Workflow{
		Name:     "legacy",
		IsActive: true,
		Actions: models.ActionList{
			models.UnknownAction{Kind: "send_sms", Raw: json.RawMessage(`{"type":"send_sms","to":"+100"}`)},
		},
	})
	require.NoError(t, err)

	execID, err := svc.ExecuteWorkflow(ctx, wfID, models.EventTrigger, nil)
	assert.ErrorIs(t, err, service.ErrUnknownActionType)

	report := executionLogs(t, svc, execID)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, models.ActionType("send_sms"), report.Actions[0].ActionType)
	assert.JSONEq(t, `{"type":"send_sms","to":"+100"}`, string(report.Actions[0].ActionConfig))
	assert.Equal(t, models.FailedActionLogStatus, report.Actions[0].Status)
}

func TestExecuteWorkflow_InvalidTrigger(t *testing.T) {
	ctx := context.Background()
	svc := newService(newStore(t), nil)
	wfID := createWorkflow(t, svc)

	execID, err := svc.ExecuteWorkflow(ctx, wfID, "webhook", nil)
	assert.ErrorIs(t, err, service.ErrInvalidTrigger)
	assert.Empty(t, execID)

	execs, err := svc.ListExecutions(ctx, wfID, 0)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestExecuteWorkflow_CancelledContext(t *testing.T) {
	store := newStore(t)
	svc := newService(store, nil)
	wfID := createWorkflow(t, svc, models.ChangeStatusAction{Entity: models.LeadEntity, Status: "lost"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	execID, err := svc.ExecuteWorkflow(ctx, wfID, models.ManualTrigger, models.TriggerContext{"entity_id": "lead-123"})
	assert.ErrorIs(t, err, context.Canceled)

	// terminal statuses are still written for a cancelled caller
	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.FailedExecutionStatus, report.Status)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, models.FailedActionLogStatus, report.Actions[0].Status)

	status, err := store.GetField(models.LeadEntity, "lead-123", "status")
	require.NoError(t, err)
	assert.Equal(t, "new", status)
}

// brokenJournal fails to open executions.
type brokenJournal struct {
	storage.Journal
}

func (brokenJournal) CreateExecution(context.Context, models.WorkflowExecution) (string, error) {
	return "", errors.New("connection refused")
}

func TestExecuteWorkflow_JournalUnavailable(t *testing.T) {
	store := newStore(t)
	deps := service.StoreDependencies(store, nil)
	deps.Journal = brokenJournal{Journal: store}
	svc := service.NewWorkflowService(deps, logger{})
	wfID := createWorkflow(t, svc, models.ChangeStatusAction{Entity: models.LeadEntity, Status: "lost"})

	execID, err := svc.ExecuteWorkflow(context.Background(), wfID, models.ManualTrigger, models.TriggerContext{"entity_id": "lead-123"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, execID)

	status, err := store.GetField(models.LeadEntity, "lead-123", "status")
	require.NoError(t, err)
	assert.Equal(t, "new", status)
}

// lossyJournal refuses to mark action logs successful.
type lossyJournal struct {
	storage.Journal
}

func (j lossyJournal) CompleteActionLog(ctx context.Context, id string, status models.ActionLogStatus, result []byte, errorMsg string) error {
	if status == models.SuccessActionLogStatus {
		return errors.New("write timeout")
	}
	return j.Journal.CompleteActionLog(ctx, id, status, result, errorMsg)
}

func TestExecuteWorkflow_FinalizeFailureLeavesNoPendingLog(t *testing.T) {
	store := newStore(t)
	deps := service.StoreDependencies(store, nil)
	deps.Journal = lossyJournal{Journal: store}
	svc := service.NewWorkflowService(deps, logger{})
	wfID := createWorkflow(t, svc,
		models.ChangeStatusAction{Entity: models.LeadEntity, Status: "contacted"},
		models.AddTagAction{Entity: models.LeadEntity, Tag: "warm"},
	)

	execID, err := svc.ExecuteWorkflow(context.Background(), wfID, models.ManualTrigger, models.TriggerContext{"entity_id": "lead-123"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write timeout")

	report := executionLogs(t, svc, execID)
	assert.Equal(t, models.FailedExecutionStatus, report.Status)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, models.FailedActionLogStatus, report.Actions[0].Status)
	assert.Contains(t, report.Actions[0].ErrorMessage, "finalize log for action 0")
	assert.JSONEq(t, `{"entity":"lead","id":"lead-123","status":"contacted"}`, string(report.Actions[0].Result))
}

func TestExecuteWorkflow_UsesInjectedClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := newStore(t)
	svc := service.NewWorkflowService(service.StoreDependencies(store, nil), logger{},
		service.WithClock(func() time.Time { return fixed }))
	wfID := createWorkflow(t, svc, models.SendEmailAction{Template: "welcome"})

	execID, err := svc.ExecuteWorkflow(context.Background(), wfID, models.ManualTrigger, nil)
	require.NoError(t, err)

	report := executionLogs(t, svc, execID)
	assert.True(t, fixed.Equal(report.StartedAt))
	require.Len(t, report.Actions, 1)
	assert.True(t, fixed.Equal(report.Actions[0].CreatedAt))
}

func TestWorkflowManagement(t *testing.T) {
	ctx := context.Background()
	svc := newService(newStore(t), nil)

	t.Run("EmptyName", func(t *testing.T) {
		_, err := svc.CreateWorkflow(ctx, "", nil, true)
		assert.EqualError(t, err, "workflow name cannot be empty")
	})

	t.Run("UnknownActionRejected", func(t *testing.T) {
		_, err := svc.CreateWorkflow(ctx, "sms", models.ActionList{models.UnknownAction{Kind: "send_sms"}}, true)
		assert.ErrorIs(t, err, service.ErrUnknownActionType)
	})

	t.Run("CreateListToggle", func(t *testing.T) {
		id, err := svc.CreateWorkflow(ctx, "welcome", models.ActionList{models.SendEmailAction{Template: "welcome"}}, false)
		require.NoError(t, err)

		wf, err := svc.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "welcome", wf.Name)
		assert.False(t, wf.IsActive)
		require.Len(t, wf.Actions, 1)

		require.NoError(t, svc.SetWorkflowActive(ctx, id, true))
		wf, err = svc.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.True(t, wf.IsActive)

		list, err := svc.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, list)
	})

	t.Run("MissingWorkflow", func(t *testing.T) {
		_, err := svc.GetWorkflow(ctx, 404)
		assert.ErrorIs(t, err, service.ErrWorkflowNotFound)
		assert.ErrorIs(t, svc.SetWorkflowActive(ctx, 404, true), service.ErrWorkflowNotFound)
	})

	t.Run("MissingExecution", func(t *testing.T) {
		_, err := svc.GetExecution(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
