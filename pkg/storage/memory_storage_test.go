package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("WorkflowLifecycle", func(t *testing.T) {
		store := storage.NewMemoryStore()
		id, err := store.SaveWorkflow(ctx, models.Workflow{Name: "first", IsActive: true})
		require.NoError(t, err)
		id2, err := store.SaveWorkflow(ctx, models.Workflow{Name: "second"})
		require.NoError(t, err)

		wf, err := store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "first", wf.Name)
		assert.True(t, wf.IsActive)

		require.NoError(t, store.SetWorkflowActive(ctx, id, false))
		wf, err = store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.False(t, wf.IsActive)

		workflows, err := store.ListWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, workflows, 2)
		assert.Equal(t, id2, workflows[0].ID)

		_, err = store.GetWorkflow(ctx, 999)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.SetWorkflowActive(ctx, 999, true), storage.ErrNotFound)
	})

	t.Run("JournalRows", func(t *testing.T) {
		store := storage.NewMemoryStore()
		execID, err := store.CreateExecution(ctx, models.WorkflowExecution{
			WorkflowID:  1,
			TriggeredBy: models.ManualTrigger,
			TriggerData: models.TriggerContext{"entity_id": "lead-1"},
			Status:      models.RunningExecutionStatus,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, execID)

		for i := 1; i >= 0; i-- {
			_, err := store.CreateActionLog(ctx, models.ActionLog{ExecutionID: execID, ActionIndex: i, Status: models.PendingActionLogStatus})
			require.NoError(t, err)
		}
		_, err = store.CreateActionLog(ctx, models.ActionLog{ExecutionID: execID, ActionIndex: 0})
		assert.Error(t, err)

		logs, err := store.ListActionLogs(ctx, execID)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, 0, logs[0].ActionIndex)
		assert.Equal(t, 1, logs[1].ActionIndex)

		require.NoError(t, store.CompleteActionLog(ctx, logs[0].ID, models.SuccessActionLogStatus, []byte(`{"ok":true}`), ""))
		require.NoError(t, store.CompleteExecution(ctx, execID, models.FailedExecutionStatus, nil, "boom"))

		exec, err := store.GetExecution(ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedExecutionStatus, exec.Status)
		assert.Equal(t, "boom", exec.ErrorMessage)
		assert.NotNil(t, exec.CompletedAt)

		execs, err := store.ListExecutions(ctx, 1, 10)
		require.NoError(t, err)
		assert.Len(t, execs, 1)

		assert.ErrorIs(t, store.CompleteActionLog(ctx, "missing", models.SuccessActionLogStatus, nil, ""), storage.ErrNotFound)
		_, err = store.GetExecution(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("AppendTagIsAtomicUnderConcurrency", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.PutEntity(models.LeadEntity, "lead-1", nil))

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			added int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := store.AppendTag(ctx, models.LeadEntity, "lead-1", fmt.Sprintf("tag-%d", i%5))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					added++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		tags, err := store.GetTags(ctx, models.LeadEntity, "lead-1")
		require.NoError(t, err)
		assert.Len(t, tags, 5)
		assert.Equal(t, 5, added)
	})

	t.Run("EntityErrors", func(t *testing.T) {
		store := storage.NewMemoryStore()
		err := store.UpdateField(ctx, models.LeadEntity, "nobody", "status", "x")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		err = store.UpdateField(ctx, models.EntityKind("ticket"), "t-1", "status", "x")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown entity kind")
	})
}
