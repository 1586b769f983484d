package actions

import (
	"fmt"

	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/storage"
	"github.com/pkg/errors"
)

var (
	ErrUnknownActionType = errors.New("unknown action type")
	ErrMissingEntityID   = errors.New("missing entity id: trigger context has none of entity_id, company_id, id")
	ErrUnsupportedEntity = errors.New("unsupported entity kind")
	ErrWebhookProtocol   = errors.New("webhook url must use https://")
)

// StoreWriteError wraps a failure reported by the entity store.
type StoreWriteError struct {
	Op     string
	Entity models.EntityKind
	ID     string
	Err    error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s on %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// WebhookResponseError is returned when the endpoint answers with a non-2xx status.
type WebhookResponseError struct {
	StatusCode int
	Body       string
}

func (e *WebhookResponseError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Result is recorded on the failed action log next to the error message.
func (e *WebhookResponseError) Result() any {
	return map[string]any{"status_code": e.StatusCode, "body": e.Body}
}

// IsPermanent reports whether err can never succeed on a re-run with the
// same workflow definition and trigger context.
func IsPermanent(err error) bool {
	var respErr *WebhookResponseError
	switch {
	case errors.Is(err, ErrUnknownActionType),
		errors.Is(err, ErrMissingEntityID),
		errors.Is(err, ErrUnsupportedEntity),
		errors.Is(err, ErrWebhookProtocol),
		errors.Is(err, storage.ErrNotFound):
		return true
	case errors.As(err, &respErr):
		// 4xx other than 408/429 will not change on retry.
		code := respErr.StatusCode
		return code >= 400 && code < 500 && code != 408 && code != 429
	}
	return false
}
