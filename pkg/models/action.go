package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type ActionType string

const (
	UpdateFieldActionType  ActionType = "update_field"
	AddTagActionType       ActionType = "add_tag"
	ChangeStatusActionType ActionType = "change_status"
	WebhookActionType      ActionType = "send_webhook"
	SendEmailActionType    ActionType = "send_email"
	CreateTaskActionType   ActionType = "create_task"
)

// EntityKind names the kind of record an entity action targets.
type EntityKind string

const (
	OrganizationEntity EntityKind = "organization"
	SubscriptionEntity EntityKind = "subscription"
	LeadEntity         EntityKind = "lead"
)

// Action is one typed step of a workflow. The set of variants is closed:
// every consumer goes through an ActionVisitor, so adding a variant means
// adding a visitor method and every implementation stops compiling until
// it handles the new kind.
type Action interface {
	Type() ActionType
	Accept(v ActionVisitor) (any, error)
	isAction()
}

// ActionVisitor has one method per Action variant.
type ActionVisitor interface {
	VisitUpdateField(a UpdateFieldAction) (any, error)
	VisitAddTag(a AddTagAction) (any, error)
	VisitChangeStatus(a ChangeStatusAction) (any, error)
	VisitWebhook(a WebhookAction) (any, error)
	VisitSendEmail(a SendEmailAction) (any, error)
	VisitCreateTask(a CreateTaskAction) (any, error)
	VisitUnknown(a UnknownAction) (any, error)
}

// UpdateFieldAction writes a single named field on an entity.
type UpdateFieldAction struct {
	Entity EntityKind `json:"entity"`
	Field  string     `json:"field"`
	Value  any        `json:"value"`
}

// AddTagAction adds a tag to an entity's tag collection if it is not there yet.
type AddTagAction struct {
	Entity EntityKind `json:"entity"`
	Tag    string     `json:"tag"`
}

// ChangeStatusAction overwrites an entity's status field.
type ChangeStatusAction struct {
	Entity EntityKind `json:"entity"`
	Status string     `json:"status"`
}

// WebhookAction calls an external HTTPS endpoint.
type WebhookAction struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

// SendEmailAction is a placeholder; nothing is sent yet.
type SendEmailAction struct {
	Template  string `json:"template"`
	Recipient string `json:"recipient,omitempty"`
}

// CreateTaskAction is a placeholder; no task is created yet.
type CreateTaskAction struct {
	Title     string `json:"title"`
	Assignee  string `json:"assignee,omitempty"`
	DueInDays int    `json:"due_in_days,omitempty"`
}

// UnknownAction carries a stored definition whose type tag matches no
// handler. It decodes so the run can record the failure on the action log.
type UnknownAction struct {
	Kind ActionType
	Raw  json.RawMessage
}

func (UpdateFieldAction) Type() ActionType  { return UpdateFieldActionType }
func (AddTagAction) Type() ActionType       { return AddTagActionType }
func (ChangeStatusAction) Type() ActionType { return ChangeStatusActionType }
func (WebhookAction) Type() ActionType      { return WebhookActionType }
func (SendEmailAction) Type() ActionType    { return SendEmailActionType }
func (CreateTaskAction) Type() ActionType   { return CreateTaskActionType }
func (a UnknownAction) Type() ActionType    { return a.Kind }

func (a UpdateFieldAction) Accept(v ActionVisitor) (any, error)  { return v.VisitUpdateField(a) }
func (a AddTagAction) Accept(v ActionVisitor) (any, error)       { return v.VisitAddTag(a) }
func (a ChangeStatusAction) Accept(v ActionVisitor) (any, error) { return v.VisitChangeStatus(a) }
func (a WebhookAction) Accept(v ActionVisitor) (any, error)      { return v.VisitWebhook(a) }
func (a SendEmailAction) Accept(v ActionVisitor) (any, error)    { return v.VisitSendEmail(a) }
func (a CreateTaskAction) Accept(v ActionVisitor) (any, error)   { return v.VisitCreateTask(a) }
func (a UnknownAction) Accept(v ActionVisitor) (any, error)      { return v.VisitUnknown(a) }

func (UpdateFieldAction) isAction()  {}
func (AddTagAction) isAction()       {}
func (ChangeStatusAction) isAction() {}
func (WebhookAction) isAction()      {}
func (SendEmailAction) isAction()    {}
func (CreateTaskAction) isAction()   {}
func (UnknownAction) isAction()      {}

// MarshalAction encodes an action in its flat wire form,
// e.g. {"type":"add_tag","entity":"lead","tag":"hot"}.
func MarshalAction(a Action) (json.RawMessage, error) {
	if u, ok := a.(UnknownAction); ok {
		if len(u.Raw) == 0 {
			return json.Marshal(map[string]any{"type": u.Kind})
		}
		return u.Raw, nil
	}
	params, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s action", a.Type())
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, errors.Wrapf(err, "marshal %s action", a.Type())
	}
	kind, _ := json.Marshal(a.Type())
	fields["type"] = kind
	return json.Marshal(fields)
}

// UnmarshalAction decodes the flat wire form. An unrecognized type tag
// yields an UnknownAction rather than an error.
func UnmarshalAction(data []byte) (Action, error) {
	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(err, "decode action")
	}

	var (
		action Action
		err    error
	)
	switch head.Type {
	case UpdateFieldActionType:
		var a UpdateFieldAction
		err = json.Unmarshal(data, &a)
		action = a
	case AddTagActionType:
		var a AddTagAction
		err = json.Unmarshal(data, &a)
		action = a
	case ChangeStatusActionType:
		var a ChangeStatusAction
		err = json.Unmarshal(data, &a)
		action = a
	case WebhookActionType:
		var a WebhookAction
		err = json.Unmarshal(data, &a)
		action = a
	case SendEmailActionType:
		var a SendEmailAction
		err = json.Unmarshal(data, &a)
		action = a
	case CreateTaskActionType:
		var a CreateTaskAction
		err = json.Unmarshal(data, &a)
		action = a
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		action = UnknownAction{Kind: head.Type, Raw: raw}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s action", head.Type)
	}
	return action, nil
}

// ActionList is the ordered action sequence of a workflow. It is stored
// as a JSON array.
type ActionList []Action

func (l ActionList) MarshalJSON() ([]byte, error) {
	items := make([]json.RawMessage, 0, len(l))
	for i, a := range l {
		raw, err := MarshalAction(a)
		if err != nil {
			return nil, errors.WithMessage(err, fmt.Sprintf("action %d", i))
		}
		items = append(items, raw)
	}
	return json.Marshal(items)
}

func (l *ActionList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.Wrap(err, "decode action list")
	}
	out := make(ActionList, 0, len(items))
	for i, item := range items {
		a, err := UnmarshalAction(item)
		if err != nil {
			return errors.WithMessage(err, fmt.Sprintf("action %d", i))
		}
		out = append(out, a)
	}
	*l = out
	return nil
}

// Value implements driver.Valuer so the list can be written to a JSONB column.
func (l ActionList) Value() (driver.Value, error) {
	data, err := l.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *ActionList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = ActionList{}
		return nil
	case []byte:
		return l.UnmarshalJSON(v)
	case string:
		return l.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into ActionList", src)
	}
}
