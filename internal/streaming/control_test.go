package streaming

import (
	"context"
	"testing"

	"github.com/codeforge-ai/backend/internal/sharedlog"
)

type fakeStreamControl struct {
	active      bool
	revocations int
	entries     []sharedlog.Entry
}

func (f *fakeStreamControl) TaskActive(context.Context, string) (bool, error) {
	return f.active, nil
}

func (f *fakeStreamControl) RequestRevocation(context.Context, string) error {
	f.revocations++
	return nil
}

func (f *fakeStreamControl) Entries(context.Context, string) ([]sharedlog.Entry, error) {
	return f.entries, nil
}

func TestRequestStopOnlyWhenLive(t *testing.T) {
	ctl := &fakeStreamControl{}
	c := NewController(ctl, testLogger())
	ctx := context.Background()

	stopped, err := c.RequestStop(ctx, "chat-1")
	if err != nil {
		t.Fatalf("RequestStop returned error: %v", err)
	}
	if stopped || ctl.revocations != 0 {
		t.Errorf("stop without a live stream = (%v, %d revocations), want no-op", stopped, ctl.revocations)
	}

	ctl.active = true
	stopped, err = c.RequestStop(ctx, "chat-1")
	if err != nil {
		t.Fatalf("RequestStop returned error: %v", err)
	}
	if !stopped || ctl.revocations != 1 {
		t.Errorf("stop with a live stream = (%v, %d revocations), want flag set once", stopped, ctl.revocations)
	}
}

func TestCatchUpReturnsEntriesInOrder(t *testing.T) {
	ctl := &fakeStreamControl{entries: []sharedlog.Entry{
		{Kind: sharedlog.KindContent, Payload: `{"type":"text_delta"}`},
		{Kind: sharedlog.KindContent, Payload: `{"type":"tool_completed"}`},
		{Kind: sharedlog.KindComplete, Payload: ""},
	}}
	c := NewController(ctl, testLogger())

	entries, err := c.CatchUp(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("CatchUp returned error: %v", err)
	}
	if len(entries) != 3 || entries[2].Kind != sharedlog.KindComplete {
		t.Errorf("entries = %+v, want terminal marker last", entries)
	}
}
