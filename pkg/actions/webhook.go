package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leadflow/leadflow/pkg/models"
	"github.com/pkg/errors"
)

const (
	// IdempotencyKeyField is the trigger context key whose value is
	// forwarded as the Idempotency-Key header, suffixed with the action index.
	IdempotencyKeyField = "idempotency_key"

	webhookContextKey   = "context"
	webhookTimestampKey = "timestamp"
	maxResponseBytes    = 64 << 10
)

func (inv *invocation) VisitWebhook(a models.WebhookAction) (any, error) {
	if err := validateWebhookURL(a.URL); err != nil {
		return nil, err
	}

	method := strings.ToUpper(strings.TrimSpace(a.Method))
	if method == "" {
		method = http.MethodPost
	}

	payload := make(map[string]any, len(a.Body)+2)
	for k, v := range a.Body {
		payload[k] = v
	}
	trigger := inv.trigger
	if trigger == nil {
		trigger = models.TriggerContext{}
	}
	payload[webhookContextKey] = trigger
	payload[webhookTimestampKey] = inv.h.now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode webhook body")
	}

	ctx := inv.ctx
	if inv.h.webhookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.h.webhookTimeout)
		defer cancel()
	}
	if inv.h.limiter != nil {
		if err := inv.h.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "webhook rate limit")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if key, ok := inv.trigger[IdempotencyKeyField].(string); ok && key != "" {
		req.Header.Set("Idempotency-Key", fmt.Sprintf("%s-%d", key, inv.index))
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := inv.h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, a.URL)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read webhook response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &WebhookResponseError{StatusCode: resp.StatusCode, Body: string(text)}
	}
	return map[string]any{"status_code": resp.StatusCode, "body": string(text)}, nil
}

func validateWebhookURL(raw string) error {
	if !strings.HasPrefix(raw, "https://") {
		return errors.Wrapf(ErrWebhookProtocol, "got %q", raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.Wrapf(ErrWebhookProtocol, "got %q", raw)
	}
	return nil
}
