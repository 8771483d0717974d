package streaming

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/agent"
	"github.com/codeforge-ai/backend/internal/apperrors"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/queue"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

// fakeControlLog tracks control-key operations and the revocation flag.
type fakeControlLog struct {
	mu          sync.Mutex
	revoked     bool
	prepared    int
	taskSet     int
	keysDeleted int
}

func (f *fakeControlLog) setRevoked() {
	f.mu.Lock()
	f.revoked = true
	f.mu.Unlock()
}

func (f *fakeControlLog) PrepareStream(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared++
	return nil
}

func (f *fakeControlLog) SetTaskActive(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskSet++
	return nil
}

func (f *fakeControlLog) ClearRevoked(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = false
	return nil
}

func (f *fakeControlLog) IsRevoked(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked, nil
}

func (f *fakeControlLog) DeleteControlKeys(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysDeleted++
	return nil
}

// fakeAppender records stream entries in append order.
type fakeAppender struct {
	mu      sync.Mutex
	entries []logEntry
	failAll bool
}

type logEntry struct {
	kind    string
	payload string
}

func (f *fakeAppender) AppendEntry(_ context.Context, _ string, kind, payload string) error {
	if f.failAll {
		return errors.New("redis down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, logEntry{kind: kind, payload: payload})
	return nil
}

func (f *fakeAppender) all() []logEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logEntry(nil), f.entries...)
}

// fakeStore implements the orchestrator and injector store surfaces.
type fakeStore struct {
	mu             sync.Mutex
	chat           *pg.Chat
	finalizations  []finalization
	created        []*pg.Message
	checkpoints    []string
	chatSessionIDs []string
	msgSessionIDs  []string
}

type finalization struct {
	messageID uuid.UUID
	content   string
	status    pg.StreamStatus
}

func (f *fakeStore) FinalizeAssistantMessage(_ context.Context, id uuid.UUID, content string, _ sql.NullFloat64, status pg.StreamStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizations = append(f.finalizations, finalization{messageID: id, content: content, status: status})
	return nil
}

func (f *fakeStore) SetMessageCheckpoint(_ context.Context, _ uuid.UUID, checkpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, checkpointID)
	return nil
}

func (f *fakeStore) UpdateChatSessionID(_ context.Context, _ uuid.UUID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatSessionIDs = append(f.chatSessionIDs, sessionID)
	return nil
}

func (f *fakeStore) UpdateMessageSessionID(_ context.Context, _ uuid.UUID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgSessionIDs = append(f.msgSessionIDs, sessionID)
	return nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *pg.Message) (*pg.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *msg
	created.ID = uuid.New()
	f.created = append(f.created, &created)
	return &created, nil
}

func (f *fakeStore) GetChatByID(context.Context, uuid.UUID) (*pg.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chat, nil
}

// fakeTransport records injected frames.
type fakeTransport struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeTransport) WriteLine(_ context.Context, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}

// fakeStream yields its events, then either returns finalErr or blocks until
// the caller's context is cancelled. onDrained fires once when the last
// event has been handed out.
type fakeStream struct {
	mu        sync.Mutex
	events    []*agent.StreamEvent
	finalErr  error
	onDrained func()
	drained   bool
	cancels   int
	transport *fakeTransport
}

func (f *fakeStream) Next(ctx context.Context) (*agent.StreamEvent, error) {
	f.mu.Lock()
	if len(f.events) > 0 {
		event := f.events[0]
		f.events = f.events[1:]
		f.mu.Unlock()
		return event, nil
	}
	if !f.drained {
		f.drained = true
		if f.onDrained != nil {
			f.mu.Unlock()
			f.onDrained()
			f.mu.Lock()
		}
	}
	finalErr := f.finalErr
	f.mu.Unlock()

	if finalErr != nil {
		return nil, finalErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeStream) CancelActiveStream(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeStream) TotalCostUSD() float64      { return 0.042 }
func (f *fakeStream) Transport() agent.Transport { return f.transport }
func (f *fakeStream) Close() error               { return nil }

func (f *fakeStream) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fakeClient struct {
	stream  *fakeStream
	openErr error
	lastReq agent.StreamRequest
}

func (f *fakeClient) OpenStream(_ context.Context, req agent.StreamRequest) (agent.Stream, error) {
	f.lastReq = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func (f *fakeClient) SessionTokenUsage(context.Context, string, string) (int64, error) {
	return 0, nil
}

// fakeQueue pops from a fixed slice.
type fakeQueue struct {
	mu   sync.Mutex
	msgs []*queue.QueuedMessage
}

func (f *fakeQueue) PopNextMessage(context.Context, string) (*queue.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return nil, nil
	}
	head := f.msgs[0]
	f.msgs = f.msgs[1:]
	return head, nil
}

type fakeSandbox struct {
	mu          sync.Mutex
	checkpoints int
	checkpoint  string
}

func (f *fakeSandbox) CreateSandbox(context.Context, string, string) (string, error) { return "sb", nil }
func (f *fakeSandbox) InitializeSandbox(context.Context, string, *pg.UserSettings) error {
	return nil
}
func (f *fakeSandbox) Cleanup(context.Context, string) error { return nil }
func (f *fakeSandbox) CreateCheckpoint(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints++
	return f.checkpoint, nil
}
func (f *fakeSandbox) checkpointCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints
}

type harness struct {
	orch    *Orchestrator
	control *fakeControlLog
	store   *fakeStore
	log     *fakeAppender
	client  *fakeClient
	queue   *fakeQueue
	sandbox *fakeSandbox
	input   StreamInput
}

func newHarness(stream *fakeStream) *harness {
	lg := testLogger()
	control := &fakeControlLog{}
	appender := &fakeAppender{}
	chat := &pg.Chat{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		SandboxID: sql.NullString{String: "sb-1", Valid: true},
	}
	store := &fakeStore{chat: chat}
	q := &fakeQueue{}
	publisher := NewPublisher(appender, lg)
	injector := NewInjector(store, q, publisher, lg)
	client := &fakeClient{stream: stream}
	sb := &fakeSandbox{checkpoint: "ckpt-1"}

	orch := NewOrchestrator(client, control, store, publisher, injector, sb, nil, 2*time.Millisecond, lg)
	return &harness{
		orch:    orch,
		control: control,
		store:   store,
		log:     appender,
		client:  client,
		queue:   q,
		sandbox: sb,
		input: StreamInput{
			Chat:               chat,
			Prompt:             "do the thing",
			ModelID:            "model-a",
			PermissionMode:     "auto",
			AssistantMessageID: uuid.New(),
		},
	}
}

func textEvent(text string) *agent.StreamEvent {
	return &agent.StreamEvent{Type: agent.EventTextDelta, Text: text}
}

func toolCompleted(parentID *string) *agent.StreamEvent {
	return &agent.StreamEvent{Type: agent.EventToolCompleted, Tool: &agent.ToolInfo{Name: "bash", ParentID: parentID}}
}

func TestRunCompletedPersistsEventsAndMarker(t *testing.T) {
	stream := &fakeStream{
		events:    []*agent.StreamEvent{textEvent("a"), textEvent("b"), textEvent("c")},
		finalErr:  io.EOF,
		transport: &fakeTransport{},
	}
	h := newHarness(stream)

	content, err := h.orch.Run(context.Background(), h.input)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(h.store.finalizations) != 1 {
		t.Fatalf("finalizations = %d, want exactly 1", len(h.store.finalizations))
	}
	fin := h.store.finalizations[0]
	if fin.status != pg.StreamStatusCompleted {
		t.Errorf("status = %s, want completed", fin.status)
	}

	var persisted []*agent.StreamEvent
	if err := json.Unmarshal([]byte(fin.content), &persisted); err != nil {
		t.Fatalf("persisted content is not an event list: %v", err)
	}
	if len(persisted) != 3 {
		t.Errorf("persisted events = %d, want 3", len(persisted))
	}
	if content != fin.content {
		t.Errorf("returned content differs from persisted content")
	}

	entries := h.log.all()
	if len(entries) != 4 {
		t.Fatalf("log entries = %d, want 3 content + 1 complete", len(entries))
	}
	for i := 0; i < 3; i++ {
		if entries[i].kind != "content" {
			t.Errorf("entry %d kind = %s, want content", i, entries[i].kind)
		}
	}
	if entries[3].kind != "complete" {
		t.Errorf("last entry kind = %s, want complete", entries[3].kind)
	}

	if h.sandbox.checkpointCalls() != 1 {
		t.Errorf("checkpoint calls = %d, want 1", h.sandbox.checkpointCalls())
	}
	if len(h.store.checkpoints) != 1 || h.store.checkpoints[0] != "ckpt-1" {
		t.Errorf("stored checkpoints = %v, want [ckpt-1]", h.store.checkpoints)
	}
	if h.control.keysDeleted != 1 {
		t.Errorf("control key deletions = %d, want 1", h.control.keysDeleted)
	}
}

func TestRunEmptyStreamIsFailure(t *testing.T) {
	stream := &fakeStream{finalErr: io.EOF, transport: &fakeTransport{}}
	h := newHarness(stream)

	_, err := h.orch.Run(context.Background(), h.input)
	var agentErr *apperrors.AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %v, want AgentError", err)
	}

	if len(h.store.finalizations) != 1 || h.store.finalizations[0].status != pg.StreamStatusFailed {
		t.Fatalf("finalizations = %+v, want one failed", h.store.finalizations)
	}
	entries := h.log.all()
	if len(entries) == 0 || entries[len(entries)-1].kind != "error" {
		t.Errorf("last entry = %+v, want error marker", entries)
	}
	if h.sandbox.checkpointCalls() != 0 {
		t.Errorf("checkpoint calls = %d, want 0 on failure", h.sandbox.checkpointCalls())
	}
}

func TestRunProviderErrorPreservesEmittedEvents(t *testing.T) {
	stream := &fakeStream{
		events:    []*agent.StreamEvent{textEvent("a"), textEvent("b")},
		finalErr:  errors.New("provider exploded"),
		transport: &fakeTransport{},
	}
	h := newHarness(stream)

	content, err := h.orch.Run(context.Background(), h.input)
	if err == nil || !strings.Contains(err.Error(), "provider exploded") {
		t.Fatalf("error = %v, want provider failure", err)
	}

	fin := h.store.finalizations
	if len(fin) != 1 || fin[0].status != pg.StreamStatusFailed {
		t.Fatalf("finalizations = %+v, want one failed", fin)
	}
	var persisted []*agent.StreamEvent
	if err := json.Unmarshal([]byte(content), &persisted); err != nil {
		t.Fatalf("content is not an event list: %v", err)
	}
	if len(persisted) != 2 {
		t.Errorf("persisted events = %d, want the 2 emitted before failure", len(persisted))
	}
}

func TestRunCancellationEndsInterrupted(t *testing.T) {
	h := newHarness(nil)
	stream := &fakeStream{
		events:    []*agent.StreamEvent{textEvent("a"), textEvent("b"), textEvent("c")},
		transport: &fakeTransport{},
	}
	// Revoke once the third event has been handed out; the stream then
	// blocks until the watcher interrupts the main loop.
	stream.onDrained = h.control.setRevoked
	h.client.stream = stream

	_, err := h.orch.Run(context.Background(), h.input)
	var cancelled *apperrors.StreamCancelled
	if !errors.As(err, &cancelled) {
		t.Fatalf("error = %v, want StreamCancelled", err)
	}

	fin := h.store.finalizations
	if len(fin) != 1 || fin[0].status != pg.StreamStatusInterrupted {
		t.Fatalf("finalizations = %+v, want one interrupted", fin)
	}

	var persisted []*agent.StreamEvent
	if err := json.Unmarshal([]byte(cancelled.FinalContent), &persisted); err != nil {
		t.Fatalf("FinalContent is not an event list: %v", err)
	}
	if len(persisted) != 3 {
		t.Errorf("persisted events = %d, want the 3 emitted before cancel", len(persisted))
	}

	if got := stream.cancelCount(); got != 1 {
		t.Errorf("provider cancel calls = %d, want exactly 1", got)
	}

	entries := h.log.all()
	if len(entries) == 0 || entries[len(entries)-1].kind != "complete" {
		t.Errorf("last entry kind should be complete after interruption, got %+v", entries)
	}
	if h.sandbox.checkpointCalls() != 0 {
		t.Errorf("checkpoint calls = %d, want 0 on interruption", h.sandbox.checkpointCalls())
	}
	if h.control.keysDeleted != 1 {
		t.Errorf("control key deletions = %d, want 1", h.control.keysDeleted)
	}
}

func TestRunInjectsQueuedMessagesAtSafeBoundaries(t *testing.T) {
	h := newHarness(nil)
	h.queue.msgs = []*queue.QueuedMessage{
		{ID: "q1", Content: "first follow-up", ModelID: "model-a"},
		{ID: "q2", Content: "second follow-up", ModelID: "model-a"},
	}
	parent := "outer"
	transport := &fakeTransport{}
	stream := &fakeStream{
		events: []*agent.StreamEvent{
			textEvent("working"),
			toolCompleted(nil),     // boundary 1: inject q1
			toolCompleted(&parent), // nested: no injection
			textEvent("more"),
			toolCompleted(nil), // boundary 2: inject q2
		},
		finalErr:  io.EOF,
		transport: transport,
	}
	h.client.stream = stream

	if _, err := h.orch.Run(context.Background(), h.input); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(transport.lines) != 2 {
		t.Fatalf("injected frames = %d, want 2", len(transport.lines))
	}
	for i, want := range []string{"first follow-up", "second follow-up"} {
		var frame struct {
			Type    string `json:"type"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			ParentToolUseID *string `json:"parent_tool_use_id"`
		}
		line := strings.TrimSuffix(transport.lines[i], "\n")
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			t.Fatalf("frame %d is not JSON: %v", i, err)
		}
		if frame.Type != "user" || frame.Message.Role != "user" {
			t.Errorf("frame %d type/role = %s/%s, want user/user", i, frame.Type, frame.Message.Role)
		}
		if frame.ParentToolUseID != nil {
			t.Errorf("frame %d parent_tool_use_id = %v, want null", i, *frame.ParentToolUseID)
		}
		if frame.Message.Content != "<user_prompt>"+want+"</user_prompt>" {
			t.Errorf("frame %d content = %q", i, frame.Message.Content)
		}
	}

	if remaining, _ := h.queue.PopNextMessage(context.Background(), ""); remaining != nil {
		t.Errorf("queue not drained, still has %+v", remaining)
	}

	// Each injection creates a user and an assistant message.
	if len(h.store.created) != 4 {
		t.Errorf("messages created = %d, want 4", len(h.store.created))
	}

	// The queue_injected markers land after the tool_completed entries that
	// enabled them.
	entries := h.log.all()
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.kind)
	}
	injectedSeen := 0
	for i, e := range entries {
		if e.kind != "queue_injected" {
			continue
		}
		injectedSeen++
		if i == 0 || entries[i-1].kind != "content" {
			t.Errorf("queue_injected at index %d not preceded by content entry; kinds = %v", i, kinds)
			continue
		}
		var prev agent.StreamEvent
		if err := json.Unmarshal([]byte(entries[i-1].payload), &prev); err != nil {
			t.Fatalf("previous entry payload: %v", err)
		}
		if !prev.TopLevelToolCompleted() {
			t.Errorf("queue_injected at index %d follows %s, want top-level tool_completed; kinds = %v", i, prev.Type, kinds)
		}
	}
	if injectedSeen != 2 {
		t.Errorf("queue_injected entries = %d, want 2; kinds = %v", injectedSeen, kinds)
	}
}

func TestRunOpenStreamFailureStillFinalizes(t *testing.T) {
	h := newHarness(nil)
	h.client.stream = nil
	h.client.openErr = errors.New("no provider")

	_, err := h.orch.Run(context.Background(), h.input)
	if err == nil || !strings.Contains(err.Error(), "no provider") {
		t.Fatalf("error = %v, want open failure", err)
	}
	if len(h.store.finalizations) != 1 || h.store.finalizations[0].status != pg.StreamStatusFailed {
		t.Fatalf("finalizations = %+v, want one failed", h.store.finalizations)
	}
	if h.control.keysDeleted != 1 {
		t.Errorf("control key deletions = %d, want 1", h.control.keysDeleted)
	}
}

func TestRunSessionUpdateRewritesHandles(t *testing.T) {
	h := newHarness(nil)
	stream := &fakeStream{
		events:    []*agent.StreamEvent{textEvent("a")},
		finalErr:  io.EOF,
		transport: &fakeTransport{},
	}
	h.client.stream = stream

	if _, err := h.orch.Run(context.Background(), h.input); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if h.client.lastReq.OnSessionUpdate == nil {
		t.Fatal("OnSessionUpdate callback not passed to provider")
	}

	h.client.lastReq.OnSessionUpdate("sess-new")
	if len(h.store.chatSessionIDs) != 1 || h.store.chatSessionIDs[0] != "sess-new" {
		t.Errorf("chat session updates = %v, want [sess-new]", h.store.chatSessionIDs)
	}
	if len(h.store.msgSessionIDs) != 1 || h.store.msgSessionIDs[0] != "sess-new" {
		t.Errorf("message session updates = %v, want [sess-new]", h.store.msgSessionIDs)
	}
}

type fakeUsage struct {
	mu    sync.Mutex
	chats []*pg.Chat
}

func (f *fakeUsage) Refresh(_ context.Context, chat *pg.Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, chat)
}

func (f *fakeUsage) all() []*pg.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*pg.Chat(nil), f.chats...)
}

// The refresh goroutine must work on its own copy of the chat: the stream
// goroutine keeps rewriting the session handle while the refresh runs.
func TestRunSessionUpdateRefreshGetsChatSnapshot(t *testing.T) {
	h := newHarness(nil)
	usage := &fakeUsage{}
	h.orch.usage = usage
	stream := &fakeStream{
		events:    []*agent.StreamEvent{textEvent("a")},
		finalErr:  io.EOF,
		transport: &fakeTransport{},
	}
	h.client.stream = stream

	if _, err := h.orch.Run(context.Background(), h.input); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	h.client.lastReq.OnSessionUpdate("sess-1")
	h.client.lastReq.OnSessionUpdate("sess-2")

	deadline := time.Now().Add(2 * time.Second)
	for len(usage.all()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("usage refreshes = %d, want 2", len(usage.all()))
		}
		time.Sleep(time.Millisecond)
	}

	seen := map[string]bool{}
	for _, chat := range usage.all() {
		if chat == h.input.Chat {
			t.Error("refresh received the live chat, want a copy")
		}
		seen[chat.SessionID.String] = true
	}
	if !seen["sess-1"] || !seen["sess-2"] {
		t.Errorf("refreshed session ids = %v, want both sess-1 and sess-2", seen)
	}
	if h.input.Chat.SessionID.String != "sess-2" {
		t.Errorf("live chat session id = %q, want sess-2", h.input.Chat.SessionID.String)
	}
}
