package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/storage"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

var _ storage.Store = (*PostgresStore)(nil)

// entityTables maps entity kinds to their tables. Only kinds listed in
// taggedTables carry a tags column.
var (
	entityTables = map[models.EntityKind]string{
		models.OrganizationEntity: "companies",
		models.SubscriptionEntity: "subscriptions",
		models.LeadEntity:         "leads",
	}
	taggedTables = map[models.EntityKind]string{
		models.OrganizationEntity: "companies",
		models.LeadEntity:         "leads",
	}
)

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

const workflowColumns = "id, name, is_active, actions, created_at, updated_at"

// SaveWorkflow inserts a workflow definition and returns its ID
func (s *PostgresStore) SaveWorkflow(ctx context.Context, w models.Workflow) (int64, error) {
	var wfID int64
	err := s.db.QueryRowxContext(ctx,
		"INSERT INTO workflows (name, is_active, actions, created_at, updated_at) VALUES ($1, $2, $3::jsonb, $4, $5) RETURNING id",
		w.Name, w.IsActive, w.Actions, w.CreatedAt, w.UpdatedAt).Scan(&wfID)
	if err != nil {
		return 0, errors.Wrap(err, "save workflow")
	}
	return wfID, nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.GetContext(ctx, &wf, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow %d", id)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.SelectContext(ctx, &workflows, "SELECT "+workflowColumns+" FROM workflows ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, errors.Wrap(err, "list workflows")
	}
	return workflows, nil
}

func (s *PostgresStore) SetWorkflowActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE workflows SET is_active = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", active, id)
	if err != nil {
		return errors.Wrapf(err, "update workflow %d", id)
	}
	return expectRow(res)
}

// JSONB columns that may be NULL are read as 'null' and cleared afterwards,
// since json.RawMessage cannot scan a NULL.
const executionColumns = `id, workflow_id, triggered_by, trigger_data, status, started_at, completed_at,
	COALESCE(result, 'null'::jsonb) AS result, error_message`

func (s *PostgresStore) CreateExecution(ctx context.Context, e models.WorkflowExecution) (string, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO workflow_executions (workflow_id, triggered_by, trigger_data, status, started_at)
		VALUES ($1, $2, $3::jsonb, $4, $5) RETURNING id`,
		e.WorkflowID, e.TriggeredBy, e.TriggerData, e.Status, e.StartedAt).Scan(&id)
	if err != nil {
		return "", errors.Wrap(err, "create execution")
	}
	return id, nil
}

func (s *PostgresStore) CompleteExecution(ctx context.Context, id string, status models.ExecutionStatus, result []byte, errorMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, result = $2::jsonb, error_message = $3, completed_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		status, jsonArg(result), errorMsg, id)
	if err != nil {
		return errors.Wrapf(err, "complete execution %s", id)
	}
	return expectRow(res)
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (models.WorkflowExecution, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.WorkflowExecution{}, storage.ErrNotFound
	}
	var e models.WorkflowExecution
	err := s.db.GetContext(ctx, &e, "SELECT "+executionColumns+" FROM workflow_executions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WorkflowExecution{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowExecution{}, errors.Wrapf(err, "get execution %s", id)
	}
	e.Result = nullJSON(e.Result)
	return e, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID int64, limit int) ([]models.WorkflowExecution, error) {
	execs := []models.WorkflowExecution{}
	err := s.db.SelectContext(ctx, &execs,
		"SELECT "+executionColumns+" FROM workflow_executions WHERE workflow_id = $1 ORDER BY started_at DESC LIMIT NULLIF($2::int, 0)",
		workflowID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list executions of workflow %d", workflowID)
	}
	for i := range execs {
		execs[i].Result = nullJSON(execs[i].Result)
	}
	return execs, nil
}

const actionLogColumns = `id, execution_id, action_index, action_type, action_config, status,
	COALESCE(result, 'null'::jsonb) AS result, error_message, created_at, completed_at`

func (s *PostgresStore) CreateActionLog(ctx context.Context, l models.ActionLog) (string, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO action_logs (execution_id, action_index, action_type, action_config, status, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6) RETURNING id`,
		l.ExecutionID, l.ActionIndex, l.ActionType, jsonArg(l.ActionConfig), l.Status, l.CreatedAt).Scan(&id)
	if err != nil {
		return "", errors.Wrapf(err, "create log for action %d", l.ActionIndex)
	}
	return id, nil
}

func (s *PostgresStore) CompleteActionLog(ctx context.Context, id string, status models.ActionLogStatus, result []byte, errorMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_logs
		SET status = $1, result = $2::jsonb, error_message = $3, completed_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		status, jsonArg(result), errorMsg, id)
	if err != nil {
		return errors.Wrapf(err, "complete action log %s", id)
	}
	return expectRow(res)
}

func (s *PostgresStore) ListActionLogs(ctx context.Context, executionID string) ([]models.ActionLog, error) {
	logs := []models.ActionLog{}
	if _, err := uuid.Parse(executionID); err != nil {
		return logs, nil
	}
	err := s.db.SelectContext(ctx, &logs,
		"SELECT "+actionLogColumns+" FROM action_logs WHERE execution_id = $1 ORDER BY action_index", executionID)
	if err != nil {
		return nil, errors.Wrapf(err, "list action logs of execution %s", executionID)
	}
	for i := range logs {
		logs[i].Result = nullJSON(logs[i].Result)
	}
	return logs, nil
}

// UpdateField writes one column of an entity row. The column name comes
// from the workflow definition, so it is quoted rather than interpolated.
func (s *PostgresStore) UpdateField(ctx context.Context, kind models.EntityKind, id, field string, value any) error {
	table, ok := entityTables[kind]
	if !ok {
		return errors.Errorf("unknown entity kind %q", kind)
	}
	if field == "" {
		return errors.New("field name cannot be empty")
	}
	arg, err := columnArg(value)
	if err != nil {
		return err
	}
	set := pq.QuoteIdentifier(field) + " = $1"
	if field != "updated_at" {
		set += ", updated_at = CURRENT_TIMESTAMP"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $2", table, set)
	res, err := s.db.ExecContext(ctx, query, arg, id)
	if err != nil {
		return errors.Wrapf(err, "update %s.%s", table, field)
	}
	if err := expectRow(res); err != nil {
		return errors.Wrapf(err, "%s %s", kind, id)
	}
	return nil
}

// AppendTag adds the tag in a single statement, so concurrent appends of the
// same tag cannot both succeed.
func (s *PostgresStore) AppendTag(ctx context.Context, kind models.EntityKind, id, tag string) (bool, error) {
	table, ok := taggedTables[kind]
	if !ok {
		return false, errors.Errorf("entity kind %q has no tags", kind)
	}
	query := fmt.Sprintf(`
		UPDATE %s SET tags = array_append(tags, $1::text), updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND NOT ($1::text = ANY(tags))`, table)
	res, err := s.db.ExecContext(ctx, query, tag, id)
	if err != nil {
		return false, errors.Wrapf(err, "append tag to %s %s", kind, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table), id); err != nil {
		return false, errors.Wrapf(err, "look up %s %s", kind, id)
	}
	if !exists {
		return false, errors.Wrapf(storage.ErrNotFound, "%s %s", kind, id)
	}
	return false, nil
}

func (s *PostgresStore) GetTags(ctx context.Context, kind models.EntityKind, id string) ([]string, error) {
	table, ok := taggedTables[kind]
	if !ok {
		return nil, errors.Errorf("entity kind %q has no tags", kind)
	}
	var tags pq.StringArray
	err := s.db.GetContext(ctx, &tags, fmt.Sprintf("SELECT tags FROM %s WHERE id = $1", table), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(storage.ErrNotFound, "%s %s", kind, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get tags of %s %s", kind, id)
	}
	if tags == nil {
		return []string{}, nil
	}
	return tags, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// jsonArg passes raw JSON as text so it can be cast to jsonb; empty means NULL.
func jsonArg(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullJSON(raw json.RawMessage) json.RawMessage {
	if string(raw) == "null" {
		return nil
	}
	return raw
}

// columnArg converts structured values to JSON text; scalars pass through.
func columnArg(value any) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrap(err, "encode field value")
		}
		return string(b), nil
	}
	return value, nil
}
