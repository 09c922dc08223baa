package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentstream/internal/agent/authretry"
	"github.com/kandev/agentstream/internal/agent/engine"
	"github.com/kandev/agentstream/internal/chunklog"
	"github.com/kandev/agentstream/internal/common/logger"
	"github.com/kandev/agentstream/internal/session/host"
	"github.com/kandev/agentstream/internal/session/state"
	v1 "github.com/kandev/agentstream/pkg/api/v1"
)

const sessionID = "5a1d6a8e-1f0c-4b7e-8f43-2f0f3c9d7a10"

// mockEngine implements engine.Engine for testing
type mockEngine struct {
	mu sync.Mutex

	runFunc        func(ctx context.Context, req engine.RunRequest) (*engine.Run, error)
	approveFunc    func(ctx context.Context, req engine.ApproveRequest) (*engine.Run, error)
	toolResultFunc func(ctx context.Context, req engine.ToolResultRequest) (*engine.Run, error)

	runs        []engine.RunRequest
	approvals   []engine.ApproveRequest
	toolResults []engine.ToolResultRequest
}

func (m *mockEngine) Run(ctx context.Context, req engine.RunRequest) (*engine.Run, error) {
	m.mu.Lock()
	m.runs = append(m.runs, req)
	m.mu.Unlock()
	if m.runFunc != nil {
		return m.runFunc(ctx, req)
	}
	return textRun("run-1", "hello"), nil
}

func (m *mockEngine) Approve(ctx context.Context, req engine.ApproveRequest) (*engine.Run, error) {
	m.mu.Lock()
	m.approvals = append(m.approvals, req)
	m.mu.Unlock()
	if m.approveFunc != nil {
		return m.approveFunc(ctx, req)
	}
	return textRun(req.RunID, "approved"), nil
}

func (m *mockEngine) SubmitToolResult(ctx context.Context, req engine.ToolResultRequest) (*engine.Run, error) {
	m.mu.Lock()
	m.toolResults = append(m.toolResults, req)
	m.mu.Unlock()
	if m.toolResultFunc != nil {
		return m.toolResultFunc(ctx, req)
	}
	return textRun(req.RunID, "done"), nil
}

func (m *mockEngine) runCalls() []engine.RunRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]engine.RunRequest(nil), m.runs...)
}

// sliceStream replays fixed chunks.
type sliceStream struct {
	chunks []json.RawMessage
}

func (s *sliceStream) Next(ctx context.Context) (json.RawMessage, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

func textRun(runID string, deltas ...string) *engine.Run {
	s := &sliceStream{}
	for _, d := range deltas {
		s.chunks = append(s.chunks, json.RawMessage(`{"type":"text-delta","delta":"`+d+`"}`))
	}
	return &engine.Run{RunID: runID, Stream: s}
}

// blockingStream yields nothing until its context is cancelled.
type blockingStream struct {
	started chan struct{}
	once    sync.Once
}

func (s *blockingStream) Next(ctx context.Context) (json.RawMessage, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingStream) Close() error { return nil }

type staticHeaders struct {
	mu     sync.Mutex
	tokens []string
	calls  int
}

func (h *staticHeaders) ResolveHeaders(_ context.Context, provider string) ([]v1.RequestEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.tokens) == 0 {
		return nil, errors.New("no credentials")
	}
	tok := h.tokens[min(h.calls, len(h.tokens)-1)]
	h.calls++
	return []v1.RequestEntry{{Key: "authorization", Value: "Bearer " + tok}}, nil
}

type fixture struct {
	log    *chunklog.Memory
	store  *state.Store
	host   *host.Host
	engine *mockEngine
	exec   *Executor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log := chunklog.NewMemory(logger.NewNop())
	t.Cleanup(func() { _ = log.Close() })
	store := state.NewStore()
	h := host.New(host.Config{
		SessionID:       sessionID,
		Cwd:             t.TempDir(),
		Log:             log,
		Store:           store,
		ProducerOptions: chunklog.ProducerOptions{Linger: time.Millisecond},
		FlushTimeout:    time.Second,
	}, logger.NewNop())
	eng := &mockEngine{}
	return &fixture{
		log:    log,
		store:  store,
		host:   h,
		engine: eng,
		exec:   NewExecutor(eng, store, Config{}, logger.NewNop(), opts...),
	}
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not finish")
		return nil
	}
}

// messages groups the session's log by message id, in first-seen order.
func (f *fixture) messages(t *testing.T) [][]*v1.Chunk {
	t.Helper()
	chunks, _, err := f.log.History(context.Background(), sessionID)
	require.NoError(t, err)
	index := make(map[string]int)
	var out [][]*v1.Chunk
	for _, c := range chunks {
		i, ok := index[c.MessageID]
		if !ok {
			i = len(out)
			index[c.MessageID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], c)
	}
	return out
}

func payloadTypes(chunks []*v1.Chunk) []v1.PayloadType {
	out := make([]v1.PayloadType, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, v1.ParsePayload(c.Chunk).PayloadType())
	}
	return out
}

func errorChunk(t *testing.T, chunks []*v1.Chunk) v1.ErrorChunk {
	t.Helper()
	for _, c := range chunks {
		if e, ok := v1.ParsePayload(c.Chunk).(v1.ErrorChunk); ok {
			return e
		}
	}
	t.Fatal("no error chunk in message")
	return v1.ErrorChunk{}
}

func TestRunAgent_StreamsWithRunMetadataPrefix(t *testing.T) {
	headers := &staticHeaders{tokens: []string{"tok"}}
	f := newFixture(t, WithHeaderResolver(headers))

	err := wait(t, f.exec.RunAgent(context.Background(), f.host, RunRequest{
		SessionID:      sessionID,
		Text:           "hi",
		ModelID:        "anthropic/claude-sonnet-4-5",
		Cwd:            "/work",
		PermissionMode: PermissionDefault,
	}))
	require.NoError(t, err)

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0], 2)
	assert.Equal(t, "run-1", v1.ExtractRunID(msgs[0][0].Chunk))
	assert.Equal(t, 0, msgs[0][0].Seq)
	assert.JSONEq(t, `{"type":"text-delta","delta":"hello"}`, string(msgs[0][1].Chunk))

	runID, ok := f.store.RunID(sessionID)
	require.True(t, ok)
	assert.Equal(t, "run-1", runID)

	ec, ok := f.store.ExecutionContext(sessionID)
	require.True(t, ok)
	assert.Equal(t, "/work", ec.Cwd)
	assert.Equal(t, "Bearer tok", ec.RequestEntries[0].Value)

	_, active := f.store.Handle(sessionID)
	assert.False(t, active, "handle should be released")

	calls := f.engine.runCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].RequireToolApproval)
	assert.Equal(t, "hi", calls[0].Input.Text)
}

func TestRunAgent_HeaderFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, WithHeaderResolver(&staticHeaders{}))

	err := wait(t, f.exec.RunAgent(context.Background(), f.host, RunRequest{
		SessionID:      sessionID,
		Text:           "hi",
		ModelID:        "openai/gpt-5",
		PermissionMode: PermissionBypass,
	}))
	require.NoError(t, err)

	calls := f.engine.runCalls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].RequestEntries)
	assert.False(t, calls[0].RequireToolApproval)
}

func TestRunAgent_SingleFlight(t *testing.T) {
	f := newFixture(t)
	first := &blockingStream{started: make(chan struct{})}
	f.engine.runFunc = func(ctx context.Context, req engine.RunRequest) (*engine.Run, error) {
		if req.Input.Text == "first" {
			return &engine.Run{RunID: "run-a", Stream: first}, nil
		}
		return textRun("run-b", "second answer"), nil
	}

	firstDone := f.exec.RunAgent(context.Background(), f.host, RunRequest{SessionID: sessionID, Text: "first", ModelID: "m"})
	<-first.started

	secondDone := f.exec.RunAgent(context.Background(), f.host, RunRequest{SessionID: sessionID, Text: "second", ModelID: "m"})

	assert.ErrorIs(t, wait(t, firstDone), ErrCancelled)
	require.NoError(t, wait(t, secondDone))

	runID, _ := f.store.RunID(sessionID)
	assert.Equal(t, "run-b", runID, "superseded run must not overwrite the run id")

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	var sawAbort bool
	for _, m := range msgs {
		types := payloadTypes(m)
		if types[len(types)-1] == v1.PayloadAbort {
			sawAbort = true
		}
	}
	assert.True(t, sawAbort, "cancelled run should end with abort")

	_, active := f.store.Handle(sessionID)
	assert.False(t, active)
}

func TestAbort_CancelsInFlightRun(t *testing.T) {
	f := newFixture(t)
	stream := &blockingStream{started: make(chan struct{})}
	f.engine.runFunc = func(context.Context, engine.RunRequest) (*engine.Run, error) {
		return &engine.Run{RunID: "run-a", Stream: stream}, nil
	}

	done := f.exec.RunAgent(context.Background(), f.host, RunRequest{SessionID: sessionID, Text: "hi", ModelID: "m"})
	<-stream.started
	assert.True(t, f.exec.Abort(sessionID))

	assert.ErrorIs(t, wait(t, done), ErrCancelled)
	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, []v1.PayloadType{v1.PayloadAbort}, payloadTypes(msgs[0]))
	assert.False(t, f.exec.Abort(sessionID))
}

func TestRunAgent_EngineFailureInvalidatesState(t *testing.T) {
	f := newFixture(t)
	f.store.SetRunID(sessionID, "stale-run")
	f.engine.runFunc = func(context.Context, engine.RunRequest) (*engine.Run, error) {
		return nil, &engine.Error{Code: "overloaded", Message: "engine is overloaded", Status: http.StatusServiceUnavailable}
	}

	err := wait(t, f.exec.RunAgent(context.Background(), f.host, RunRequest{SessionID: sessionID, Text: "hi", ModelID: "m"}))
	require.Error(t, err)

	_, ok := f.store.RunID(sessionID)
	assert.False(t, ok, "run id must be cleared with the context")
	_, ok = f.store.ExecutionContext(sessionID)
	assert.False(t, ok)

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, []v1.PayloadType{v1.PayloadError, v1.PayloadAbort}, payloadTypes(msgs[0]))
	assert.Contains(t, errorChunk(t, msgs[0]).ErrorText, "engine is overloaded")
}

func TestRunAgent_StreamFailureWrittenOnce(t *testing.T) {
	f := newFixture(t)
	f.engine.runFunc = func(context.Context, engine.RunRequest) (*engine.Run, error) {
		return &engine.Run{RunID: "run-1", Stream: &failingStream{err: &engine.Error{Code: "tool_failed", Message: "bash exited 1"}}}, nil
	}

	err := wait(t, f.exec.RunAgent(context.Background(), f.host, RunRequest{SessionID: sessionID, Text: "hi", ModelID: "m"}))
	require.ErrorIs(t, err, host.ErrStreamTerminated)

	msgs := f.messages(t)
	require.Len(t, msgs, 1, "terminal error belongs to the agent message itself")
	assert.Equal(t, []v1.PayloadType{v1.PayloadMessageMetadata, "text-delta", v1.PayloadError, v1.PayloadAbort}, payloadTypes(msgs[0]))

	_, ok := f.store.RunID(sessionID)
	assert.False(t, ok)
}

// startHost takes the fixture's host live and returns its events.
func (f *fixture) startHost(t *testing.T) <-chan host.Event {
	t.Helper()
	events, cancel := f.host.Subscribe()
	t.Cleanup(func() {
		cancel()
		_ = f.host.Stop()
	})
	require.NoError(t, f.host.Start(context.Background()))
	select {
	case ev := <-events:
		require.Equal(t, host.EventConnected, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("host never went live")
	}
	return events
}

// settle publishes a user message and waits for the host to dispatch it, so
// every chunk written before it has been dispatched too.
func (f *fixture) settle(t *testing.T, events <-chan host.Event, messageID string) {
	t.Helper()
	require.NoError(t, f.log.Publish(context.Background(), &v1.Chunk{
		SessionID: sessionID,
		MessageID: messageID,
		ActorID:   v1.ActorUser,
		Role:      v1.RoleUser,
		Chunk: v1.MustMarshalPayload(v1.WholeMessage{Message: v1.UIMessage{
			ID: messageID, Role: v1.RoleUser, Parts: []v1.MessagePart{{Type: v1.PartTypeText, Text: "next"}},
		}}),
		CreatedAt: time.Now(),
	}))
	for {
		select {
		case ev := <-events:
			if ev.Type == host.EventMessage && ev.MessageID == messageID {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("host never dispatched %s", messageID)
		}
	}
}

func TestRunAgent_StreamFailureStaysInvalidatedOnLiveHost(t *testing.T) {
	f := newFixture(t)
	events := f.startHost(t)
	f.engine.runFunc = func(context.Context, engine.RunRequest) (*engine.Run, error) {
		return &engine.Run{RunID: "run-1", Stream: &failingStream{err: &engine.Error{Code: "model_error", Message: "upstream reset"}}}, nil
	}

	err := wait(t, f.exec.RunAgent(context.Background(), f.host, RunRequest{SessionID: sessionID, Text: "hi", ModelID: "m"}))
	require.ErrorIs(t, err, host.ErrStreamTerminated)
	f.settle(t, events, "after-failure")

	_, hasRunID := f.store.RunID(sessionID)
	_, hasContext := f.store.ExecutionContext(sessionID)
	assert.False(t, hasRunID, "the echoed run metadata must not re-seed the run id")
	assert.False(t, hasContext)
	assert.Equal(t, "run-1", f.host.LatestRunID(), "history still records the run")
}

func TestRunAgent_LiveHostKeepsRunIDOnSuccess(t *testing.T) {
	f := newFixture(t)
	events := f.startHost(t)

	require.NoError(t, wait(t, f.exec.RunAgent(context.Background(), f.host, RunRequest{SessionID: sessionID, Text: "hi", ModelID: "m"})))
	f.settle(t, events, "after-success")

	runID, ok := f.store.RunID(sessionID)
	require.True(t, ok)
	assert.Equal(t, "run-1", runID)
	_, ok = f.store.ExecutionContext(sessionID)
	assert.True(t, ok)
}

type failingStream struct {
	err  error
	sent bool
}

func (s *failingStream) Next(context.Context) (json.RawMessage, error) {
	if !s.sent {
		s.sent = true
		return json.RawMessage(`{"type":"text-delta","delta":"partial"}`), nil
	}
	return nil, s.err
}

func (s *failingStream) Close() error { return nil }

func TestRunAgent_ReauthRequiredCode(t *testing.T) {
	registry := authretry.NewRegistry(authretry.ProviderAnthropic)
	registry.Register(authretry.NewAnthropicPolicy(func(context.Context, authretry.SyncOptions) (authretry.SyncResult, error) {
		return authretry.SyncResult{ReauthRequired: true, Reason: "no stored oauth credential"}, nil
	}))
	f := newFixture(t, WithAuthRetry(registry))

	err := wait(t, f.exec.RunAgent(context.Background(), f.host, RunRequest{SessionID: sessionID, Text: "hi", ModelID: "anthropic/claude-opus-4"}))
	require.Error(t, err)
	assert.True(t, authretry.IsReauthRequired(err))
	assert.Empty(t, f.engine.runCalls(), "engine must not be called without a credential")

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, authretry.ReauthRequiredCode, errorChunk(t, msgs[0]).Code)
}

func TestRunAgent_RetriesOnceWithFreshHeaders(t *testing.T) {
	var syncs []bool
	registry := authretry.NewRegistry(authretry.ProviderAnthropic)
	registry.Register(authretry.NewAnthropicPolicy(func(_ context.Context, opts authretry.SyncOptions) (authretry.SyncResult, error) {
		syncs = append(syncs, opts.ForceRefresh)
		return authretry.SyncResult{OK: true}, nil
	}))
	headers := &staticHeaders{tokens: []string{"old", "new"}}
	f := newFixture(t, WithAuthRetry(registry), WithHeaderResolver(headers))

	f.engine.runFunc = func(_ context.Context, req engine.RunRequest) (*engine.Run, error) {
		if req.RequestEntries[0].Value == "Bearer old" {
			return nil, &engine.Error{Code: "authentication_error", Message: "OAuth token has expired", Status: http.StatusUnauthorized}
		}
		return textRun("run-2", "ok"), nil
	}

	err := wait(t, f.exec.RunAgent(context.Background(), f.host, RunRequest{SessionID: sessionID, Text: "hi", ModelID: "anthropic/claude-opus-4"}))
	require.NoError(t, err)

	assert.Len(t, f.engine.runCalls(), 2)
	assert.Equal(t, []bool{false, true}, syncs)
	ec, _ := f.store.ExecutionContext(sessionID)
	assert.Equal(t, "Bearer new", ec.RequestEntries[0].Value)
}

func TestContinueWithToolOutput_DropsWithoutContext(t *testing.T) {
	f := newFixture(t)
	f.store.SetRunID(sessionID, "run-1")
	other := f.store.ReplaceHandle(sessionID, context.Background())

	err := wait(t, f.exec.ContinueWithToolOutput(context.Background(), f.host, ToolOutputRequest{
		SessionID:  sessionID,
		ToolCallID: "call-1",
		State:      v1.ToolStateOutputAvailable,
	}))
	assert.NoError(t, err)
	assert.Empty(t, f.engine.toolResults)
	assert.False(t, other.Cancelled(), "a dropped result must not cancel the live run")
}

func TestContinueWithToolOutput_DropsWithoutRunID(t *testing.T) {
	f := newFixture(t)
	f.store.SetExecutionContext(sessionID, &state.ExecutionContext{ModelID: "m"})

	err := wait(t, f.exec.ContinueWithToolOutput(context.Background(), f.host, ToolOutputRequest{SessionID: sessionID, ToolCallID: "call-1"}))
	assert.NoError(t, err)
	assert.Empty(t, f.engine.toolResults)
}

func TestContinueWithToolOutput_NormalizesAndSendsEmptyAnswersOnError(t *testing.T) {
	f := newFixture(t)
	f.store.SetExecutionContext(sessionID, &state.ExecutionContext{
		ModelID:        "m",
		RequestEntries: []v1.RequestEntry{{Key: "x-api-key", Value: "k"}},
	})
	f.store.SetRunID(sessionID, "run-1")

	err := wait(t, f.exec.ContinueWithToolOutput(context.Background(), f.host, ToolOutputRequest{
		SessionID:  sessionID,
		ToolCallID: "--call-7",
		ToolName:   "askUser",
		State:      v1.ToolStateOutputError,
		Output:     json.RawMessage(`{"answer":"ignored"}`),
		ErrorText:  "user dismissed",
	}))
	require.NoError(t, err)

	require.Len(t, f.engine.toolResults, 1)
	got := f.engine.toolResults[0]
	assert.Equal(t, "call-7", got.ToolCallID)
	assert.Equal(t, "run-1", got.RunID)
	assert.JSONEq(t, `{}`, string(got.Answers))
	assert.True(t, got.IsError)
	assert.Equal(t, "k", got.RequestEntries[0].Value)
}

func TestContinueWithToolOutput_UsesFallbackContext(t *testing.T) {
	f := newFixture(t)

	err := wait(t, f.exec.ContinueWithToolOutput(context.Background(), f.host, ToolOutputRequest{
		SessionID:  sessionID,
		RunID:      "run-9",
		ToolCallID: "call-1",
		State:      v1.ToolStateOutputAvailable,
		Output:     json.RawMessage(`{"choice":"a"}`),
		Fallback:   &state.ExecutionContext{ModelID: "openai/gpt-5", Cwd: "/repo"},
	}))
	require.NoError(t, err)

	require.Len(t, f.engine.toolResults, 1)
	assert.Equal(t, "openai/gpt-5", f.engine.toolResults[0].ModelID)
	assert.JSONEq(t, `{"choice":"a"}`, string(f.engine.toolResults[0].Answers))

	ec, ok := f.store.ExecutionContext(sessionID)
	require.True(t, ok)
	assert.Equal(t, "/repo", ec.Cwd)
}

func TestResumeAgent_PatchesPermissionMode(t *testing.T) {
	f := newFixture(t)
	f.store.SetExecutionContext(sessionID, &state.ExecutionContext{ModelID: "m", PermissionMode: PermissionDefault})
	f.store.SetRunID(sessionID, "run-1")

	err := wait(t, f.exec.ResumeAgent(context.Background(), f.host, ResumeRequest{
		SessionID:      sessionID,
		Approved:       true,
		ToolCallID:     "-call-1",
		PermissionMode: PermissionBypass,
	}))
	require.NoError(t, err)

	require.Len(t, f.engine.approvals, 1)
	got := f.engine.approvals[0]
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "call-1", got.ToolCallID)
	assert.Equal(t, PermissionBypass, got.PermissionMode)
	assert.True(t, got.Approved)

	ec, _ := f.store.ExecutionContext(sessionID)
	assert.Equal(t, PermissionBypass, ec.PermissionMode)
}

func TestResumeAgent_DropsWithoutContext(t *testing.T) {
	f := newFixture(t)
	err := wait(t, f.exec.ResumeAgent(context.Background(), f.host, ResumeRequest{SessionID: sessionID, RunID: "run-1", Approved: true}))
	assert.NoError(t, err)
	assert.Empty(t, f.engine.approvals)
}

func TestBuildInput(t *testing.T) {
	assert.Equal(t, engine.Input{Text: "hi"}, buildInput("hi", nil))

	msg := &v1.UIMessage{Parts: []v1.MessagePart{
		{Type: v1.PartTypeText, Text: "look"},
		{Type: v1.PartTypeFile, URL: "https://x/a.png", MediaType: "image/png"},
		{Type: v1.PartTypeFile, URL: "https://x/b.pdf", MediaType: "application/pdf", Filename: "b.pdf"},
	}}
	in := buildInput("look", msg)
	require.True(t, in.IsMultimodal())
	require.Len(t, in.Parts, 3)
	assert.Equal(t, engine.ContentText, in.Parts[0].Type)
	assert.Equal(t, engine.ContentImage, in.Parts[1].Type)
	assert.Equal(t, engine.ContentFile, in.Parts[2].Type)
	assert.Equal(t, "b.pdf", in.Parts[2].Filename)
}

func TestMergeEntries(t *testing.T) {
	base := []v1.RequestEntry{{Key: "Authorization", Value: "old"}, {Key: "x-trace", Value: "1"}}
	fresh := []v1.RequestEntry{{Key: "authorization", Value: "new"}, {Key: "anthropic-beta", Value: "b"}}

	got := mergeEntries(base, fresh)
	assert.Equal(t, []v1.RequestEntry{
		{Key: "authorization", Value: "new"},
		{Key: "x-trace", Value: "1"},
		{Key: "anthropic-beta", Value: "b"},
	}, got)
	assert.Equal(t, base, mergeEntries(base, nil))
}

type taskMap map[string]string

func (m taskMap) ResolveTask(_ context.Context, id string) (string, error) {
	if d, ok := m[id]; ok {
		return d, nil
	}
	return "", errors.New("unknown task")
}

type summaryFunc func(ctx context.Context, cwd string) (string, error)

func (f summaryFunc) ProjectSummary(ctx context.Context, cwd string) (string, error) { return f(ctx, cwd) }

func TestGatherSideContext(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("x", 100)), 0o644))

	e := NewExecutor(&mockEngine{}, state.NewStore(), Config{MaxMentionBytes: 20}, logger.NewNop(),
		WithTaskResolver(taskMap{"42": "Fix the login flow"}),
		WithProjectSummary(summaryFunc(func(context.Context, string) (string, error) { return "A Go service.", nil })),
	)

	out := e.gatherSideContext(context.Background(), dir,
		"see @pkg/main.go and @big.txt, not @../etc/passwd or @missing.txt; also #42 and #7")

	assert.Contains(t, out, "## Project summary\n\nA Go service.")
	assert.Contains(t, out, "## File: pkg/main.go\n\n```\npackage main\n```")
	assert.Contains(t, out, "## File: big.txt (truncated)\n\n```\n"+strings.Repeat("x", 20)+"\n```")
	assert.NotContains(t, out, "passwd")
	assert.NotContains(t, out, "missing.txt")
	assert.Contains(t, out, "## Task #42\n\nFix the login flow")
	assert.NotContains(t, out, "#7")
}

func TestGatherSideContext_Empty(t *testing.T) {
	e := NewExecutor(&mockEngine{}, state.NewStore(), Config{}, logger.NewNop())
	assert.Equal(t, "", e.gatherSideContext(context.Background(), "", "plain text"))
}
