package streaming

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/codeforge-ai/backend/internal/agent"
)

func TestPublisherAppendFailuresAreSwallowed(t *testing.T) {
	appender := &fakeAppender{failAll: true}
	p := NewPublisher(appender, testLogger())
	ctx := context.Background()

	// None of these may panic or surface an error to the caller.
	p.PublishEvent(ctx, "chat1", &agent.StreamEvent{Type: agent.EventTextDelta, Text: "x"})
	p.PublishError(ctx, "chat1", "boom")
	p.PublishComplete(ctx, "chat1")
	p.PublishQueueInjected(ctx, "chat1", QueueInjectedPayload{QueuedMessageID: "q1"})
}

func TestPublisherEntryShapes(t *testing.T) {
	appender := &fakeAppender{}
	p := NewPublisher(appender, testLogger())
	ctx := context.Background()

	p.PublishEvent(ctx, "chat1", &agent.StreamEvent{Type: agent.EventTextDelta, Text: "hello"})
	p.PublishError(ctx, "chat1", "it broke")
	p.PublishComplete(ctx, "chat1")

	entries := appender.all()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}

	var event agent.StreamEvent
	if err := json.Unmarshal([]byte(entries[0].payload), &event); err != nil {
		t.Fatalf("content payload is not an event: %v", err)
	}
	if event.Text != "hello" {
		t.Errorf("event text = %q, want hello", event.Text)
	}

	var errPayload map[string]string
	if err := json.Unmarshal([]byte(entries[1].payload), &errPayload); err != nil {
		t.Fatalf("error payload is not JSON: %v", err)
	}
	if errPayload["error"] != "it broke" {
		t.Errorf("error payload = %v", errPayload)
	}

	if entries[2].kind != "complete" || entries[2].payload != "" {
		t.Errorf("complete entry = %+v, want empty payload", entries[2])
	}
}
