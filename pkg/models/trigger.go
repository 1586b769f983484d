package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EntityIDKeys are the trigger context keys checked, in order, for the id
// of the entity a workflow acts on.
var EntityIDKeys = []string{"entity_id", "company_id", "id"}

// TriggerContext is the free-form payload supplied with a trigger.
type TriggerContext map[string]any

// EntityID returns the first non-empty value under EntityIDKeys.
func (c TriggerContext) EntityID() (string, bool) {
	for _, key := range EntityIDKeys {
		v, ok := c[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s, true
		}
	}
	return "", false
}

// Clone returns a shallow copy; nil becomes an empty context.
func (c TriggerContext) Clone() TriggerContext {
	out := make(TriggerContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer for JSONB columns.
func (c TriggerContext) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]any(c))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (c *TriggerContext) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*c = TriggerContext{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into TriggerContext", src)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = m
	return nil
}
