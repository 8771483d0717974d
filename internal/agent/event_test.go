package agent

import (
	"encoding/json"
	"testing"
)

func TestEventRoundTripPreservesUnknownFields(t *testing.T) {
	raw := `{"type":"tool_completed","tool":{"name":"bash","parent_id":null},"duration_ms":412,"exit_code":0}`

	var event StreamEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if event.Type != EventToolCompleted {
		t.Errorf("type = %q, want tool_completed", event.Type)
	}
	if event.Tool == nil || event.Tool.Name != "bash" {
		t.Fatalf("tool = %+v, want name bash", event.Tool)
	}
	if len(event.Extra) != 2 {
		t.Fatalf("extra fields = %d, want 2 (duration_ms, exit_code)", len(event.Extra))
	}

	out, err := json.Marshal(&event)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	var reparsed StreamEvent
	if err := json.Unmarshal(out, &reparsed); err != nil {
		t.Fatalf("re-Unmarshal returned error: %v", err)
	}
	if string(reparsed.Extra["duration_ms"]) != "412" {
		t.Errorf("duration_ms after round trip = %s, want 412", reparsed.Extra["duration_ms"])
	}
	if string(reparsed.Extra["exit_code"]) != "0" {
		t.Errorf("exit_code after round trip = %s, want 0", reparsed.Extra["exit_code"])
	}
}

func TestTopLevelToolCompleted(t *testing.T) {
	parent := "tool-123"
	cases := []struct {
		name  string
		event StreamEvent
		want  bool
	}{
		{"top-level tool completed", StreamEvent{Type: EventToolCompleted, Tool: &ToolInfo{Name: "bash"}}, true},
		{"nested tool completed", StreamEvent{Type: EventToolCompleted, Tool: &ToolInfo{Name: "bash", ParentID: &parent}}, false},
		{"tool started", StreamEvent{Type: EventToolStarted, Tool: &ToolInfo{Name: "bash"}}, false},
		{"text delta", StreamEvent{Type: EventTextDelta, Text: "hello"}, false},
		{"tool completed without tool info", StreamEvent{Type: EventToolCompleted}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.event.TopLevelToolCompleted(); got != tc.want {
				t.Errorf("TopLevelToolCompleted() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	parent := "p1"
	event := &StreamEvent{
		Type:  EventToolCompleted,
		Tool:  &ToolInfo{Name: "edit", ParentID: &parent},
		Extra: map[string]json.RawMessage{"k": json.RawMessage(`"v"`)},
	}

	clone := event.Clone()
	event.Tool.Name = "mutated"
	*event.Tool.ParentID = "mutated"
	event.Extra["k"] = json.RawMessage(`"mutated"`)

	if clone.Tool.Name != "edit" {
		t.Errorf("clone tool name = %q, want edit", clone.Tool.Name)
	}
	if *clone.Tool.ParentID != "p1" {
		t.Errorf("clone parent id = %q, want p1", *clone.Tool.ParentID)
	}
	if string(clone.Extra["k"]) != `"v"` {
		t.Errorf("clone extra = %s, want \"v\"", clone.Extra["k"])
	}
}

func TestMarshalEventsEmptyBuffer(t *testing.T) {
	out, err := MarshalEvents(nil)
	if err != nil {
		t.Fatalf("MarshalEvents returned error: %v", err)
	}
	if out != "[]" {
		t.Errorf("MarshalEvents(nil) = %q, want []", out)
	}
}
