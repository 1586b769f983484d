// Package actions implements the side effects a workflow action can have.
// Handlers are stateless: every call receives the action's own parameters
// and the trigger context of the run.
package actions

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/storage"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	// DefaultWebhookTimeout bounds a single outbound webhook call.
	DefaultWebhookTimeout = 30 * time.Second
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Handlers executes actions against an entity store and an HTTP transport.
type Handlers struct {
	entities       storage.EntityStore
	client         Doer
	limiter        *rate.Limiter
	webhookTimeout time.Duration
	now            func() time.Time
}

type Option func(*Handlers)

// WithWebhookTimeout sets the per-call deadline for webhooks. Zero disables it.
func WithWebhookTimeout(d time.Duration) Option {
	return func(h *Handlers) { h.webhookTimeout = d }
}

// WithRateLimiter throttles outbound webhook calls across all runs.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(h *Handlers) { h.limiter = l }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handlers) { h.now = now }
}

func NewHandlers(entities storage.EntityStore, client Doer, opts ...Option) *Handlers {
	if client == nil {
		client = http.DefaultClient
	}
	h := &Handlers{
		entities:       entities,
		client:         client,
		webhookTimeout: DefaultWebhookTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute runs the handler for action. index is the action's position in
// its workflow and only feeds the webhook idempotency key.
func (h *Handlers) Execute(ctx context.Context, index int, action models.Action, trigger models.TriggerContext) (any, error) {
	if action == nil {
		return nil, errors.Wrap(ErrUnknownActionType, "nil action")
	}
	return action.Accept(&invocation{h: h, ctx: ctx, index: index, trigger: trigger})
}

// invocation binds one handler call to its context; it is the only
// models.ActionVisitor in the engine.
type invocation struct {
	h       *Handlers
	ctx     context.Context
	index   int
	trigger models.TriggerContext
}

var (
	fieldEntities = []models.EntityKind{models.OrganizationEntity, models.SubscriptionEntity, models.LeadEntity}
	tagEntities   = []models.EntityKind{models.OrganizationEntity, models.LeadEntity}
)

// target validates kind against allowed and resolves the entity id.
func (inv *invocation) target(kind models.EntityKind, allowed []models.EntityKind) (string, error) {
	if !slices.Contains(allowed, kind) {
		return "", errors.Wrapf(ErrUnsupportedEntity, "%q", kind)
	}
	id, ok := inv.trigger.EntityID()
	if !ok {
		return "", ErrMissingEntityID
	}
	return id, nil
}

func (inv *invocation) VisitUpdateField(a models.UpdateFieldAction) (any, error) {
	id, err := inv.target(a.Entity, fieldEntities)
	if err != nil {
		return nil, err
	}
	if err := inv.h.entities.UpdateField(inv.ctx, a.Entity, id, a.Field, a.Value); err != nil {
		return nil, &StoreWriteError{Op: "update field " + a.Field, Entity: a.Entity, ID: id, Err: err}
	}
	return map[string]any{"entity": a.Entity, "id": id, "field": a.Field, "value": a.Value}, nil
}

func (inv *invocation) VisitAddTag(a models.AddTagAction) (any, error) {
	id, err := inv.target(a.Entity, tagEntities)
	if err != nil {
		return nil, err
	}
	added, err := inv.h.entities.AppendTag(inv.ctx, a.Entity, id, a.Tag)
	if err != nil {
		return nil, &StoreWriteError{Op: "add tag", Entity: a.Entity, ID: id, Err: err}
	}
	return map[string]any{"entity": a.Entity, "id": id, "tag": a.Tag, "added": added}, nil
}

func (inv *invocation) VisitChangeStatus(a models.ChangeStatusAction) (any, error) {
	id, err := inv.target(a.Entity, fieldEntities)
	if err != nil {
		return nil, err
	}
	if err := inv.h.entities.UpdateField(inv.ctx, a.Entity, id, "status", a.Status); err != nil {
		return nil, &StoreWriteError{Op: "change status", Entity: a.Entity, ID: id, Err: err}
	}
	return map[string]any{"entity": a.Entity, "id": id, "status": a.Status}, nil
}

func (inv *invocation) VisitSendEmail(a models.SendEmailAction) (any, error) {
	recipient := a.Recipient
	if recipient == "" {
		if email, ok := inv.trigger["email"].(string); ok {
			recipient = email
		}
	}
	return map[string]any{"sent": false, "template": a.Template, "recipient": recipient}, nil
}

func (inv *invocation) VisitCreateTask(a models.CreateTaskAction) (any, error) {
	return map[string]any{"created": false, "title": a.Title, "assignee": a.Assignee, "due_in_days": a.DueInDays}, nil
}

func (inv *invocation) VisitUnknown(a models.UnknownAction) (any, error) {
	return nil, errors.Wrapf(ErrUnknownActionType, "%q", a.Kind)
}
