package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action enumerates the operations an update can request against the graph
// store.
type Action string

// Supported update actions.
const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionPatch  Action = "PATCH"
	ActionDelete Action = "DELETE"
	ActionClear  Action = "CLEAR"
)

// ParseAction normalizes the supplied value to upper case. The boolean
// reports whether the result is one of the known actions.
func ParseAction(raw string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(raw)))
	return a, a.Known()
}

// Known reports whether the action is one of the five supported values.
func (a Action) Known() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionPatch, ActionDelete, ActionClear:
		return true
	default:
		return false
	}
}

// RequiresKey reports whether the action addresses a single element.
func (a Action) RequiresKey() bool {
	return a == ActionUpdate || a == ActionPatch || a == ActionDelete
}

// RequiresElement reports whether the action carries a payload.
func (a Action) RequiresElement() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionPatch || a == ActionClear
}

// Update is a single change event produced by a driver. Element is kept as
// raw JSON because the loader never interprets it.
type Update struct {
	Action     Action          `json:"action"`
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	Key        string          `json:"key,omitempty"`
	Element    json.RawMessage `json:"element,omitempty"`
	JobID      string          `json:"jobid,omitempty"`
	DriverName string          `json:"driver_name,omitempty"`

	// Populated only before the update is handed to the dead-letter router.
	// Status stays set when the failure carried no HTTP status.
	Status   *int   `json:"status,omitempty"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

// DecodeUpdate parses a JSON payload into an Update and normalizes the action.
func DecodeUpdate(payload []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("models: decode update: %w", err)
	}
	u.Normalize()
	return &u, nil
}

// Normalize upper-cases the action and trims the addressing fields.
func (u *Update) Normalize() {
	if u == nil {
		return
	}
	u.Action, _ = ParseAction(string(u.Action))
	u.Type = strings.TrimSpace(u.Type)
	u.Collection = strings.TrimSpace(u.Collection)
	u.Key = strings.TrimSpace(u.Key)
}

// Validate checks that the fields required by the action are present.
// Unknown actions are not validated; they are dropped by the store client.
func (u *Update) Validate() error {
	if u == nil {
		return errors.New("update is nil")
	}
	action, known := ParseAction(string(u.Action))
	if !known {
		return nil
	}

	var problems []string
	if u.Type == "" {
		problems = append(problems, "type is required")
	}
	if u.Collection == "" {
		problems = append(problems, "collection is required")
	}
	if action.RequiresKey() && u.Key == "" {
		problems = append(problems, fmt.Sprintf("key is required for %s", action))
	}
	if action.RequiresElement() && !hasPayload(u.Element) {
		problems = append(problems, fmt.Sprintf("element is required for %s", action))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Annotate records the failure details carried to the dead-letter topic.
func (u *Update) Annotate(status int, msg string) {
	u.Status = &status
	u.ErrorMsg = msg
}

// StatusCode returns the annotated status, or zero for an unannotated update.
func (u *Update) StatusCode() int {
	if u == nil || u.Status == nil {
		return 0
	}
	return *u.Status
}

func hasPayload(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}
