// Package agent defines the surface of the external AI provider: the event
// shape it emits, the stream that yields those events, and the transport the
// injector writes follow-up prompts into. The provider client itself lives
// outside this codebase.
package agent

import (
	"encoding/json"
	"fmt"
)

// Event types emitted by the provider. The set is open; unknown types flow
// through untouched.
const (
	EventToolStarted   = "tool_started"
	EventToolCompleted = "tool_completed"
	EventTextDelta     = "text_delta"
	EventSystem        = "system"
	EventResult        = "result"
)

// ToolInfo describes the tool call an event refers to. ParentID is set when
// the tool runs as a sub-tool of another call.
type ToolInfo struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id,omitempty"`
}

// StreamEvent is one tagged event from the provider stream. Fields the
// system does not interpret are preserved in Extra so persisting and
// re-reading an event is lossless.
type StreamEvent struct {
	Type      string
	Tool      *ToolInfo
	Text      string
	SessionID string
	Extra     map[string]json.RawMessage
}

// TopLevelToolCompleted reports whether the event marks the completion of a
// tool call with no parent in flight. These are the only points where queued
// messages may be injected.
func (e *StreamEvent) TopLevelToolCompleted() bool {
	return e.Type == EventToolCompleted && e.Tool != nil && e.Tool.ParentID == nil
}

// Clone returns a deep copy of the event. The orchestrator buffers clones so
// later mutations by consumers cannot corrupt persisted content.
func (e *StreamEvent) Clone() *StreamEvent {
	clone := &StreamEvent{
		Type:      e.Type,
		Text:      e.Text,
		SessionID: e.SessionID,
	}
	if e.Tool != nil {
		tool := *e.Tool
		if e.Tool.ParentID != nil {
			parent := *e.Tool.ParentID
			tool.ParentID = &parent
		}
		clone.Tool = &tool
	}
	if e.Extra != nil {
		clone.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			clone.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return clone
}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(e.Extra)+4)
	for k, v := range e.Extra {
		m[k] = v
	}
	var err error
	if m["type"], err = json.Marshal(e.Type); err != nil {
		return nil, err
	}
	if e.Tool != nil {
		if m["tool"], err = json.Marshal(e.Tool); err != nil {
			return nil, err
		}
	}
	if e.Text != "" {
		if m["text"], err = json.Marshal(e.Text); err != nil {
			return nil, err
		}
	}
	if e.SessionID != "" {
		if m["session_id"], err = json.Marshal(e.SessionID); err != nil {
			return nil, err
		}
	}
	return json.Marshal(m)
}

func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to unmarshal stream event: %w", err)
	}
	*e = StreamEvent{}
	if raw, ok := m["type"]; ok {
		if err := json.Unmarshal(raw, &e.Type); err != nil {
			return fmt.Errorf("failed to unmarshal event type: %w", err)
		}
		delete(m, "type")
	}
	if raw, ok := m["tool"]; ok {
		e.Tool = &ToolInfo{}
		if err := json.Unmarshal(raw, e.Tool); err != nil {
			return fmt.Errorf("failed to unmarshal event tool: %w", err)
		}
		delete(m, "tool")
	}
	if raw, ok := m["text"]; ok {
		if err := json.Unmarshal(raw, &e.Text); err != nil {
			return fmt.Errorf("failed to unmarshal event text: %w", err)
		}
		delete(m, "text")
	}
	if raw, ok := m["session_id"]; ok {
		if err := json.Unmarshal(raw, &e.SessionID); err != nil {
			return fmt.Errorf("failed to unmarshal event session id: %w", err)
		}
		delete(m, "session_id")
	}
	if len(m) > 0 {
		e.Extra = m
	}
	return nil
}

// MarshalEvents serializes an event buffer for persistence as assistant
// message content.
func MarshalEvents(events []*StreamEvent) (string, error) {
	if events == nil {
		events = []*StreamEvent{}
	}
	b, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("failed to marshal events: %w", err)
	}
	return string(b), nil
}
