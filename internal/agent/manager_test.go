package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/events"
	"github.com/aristath/agentmon/internal/notify"
	"github.com/aristath/agentmon/internal/worktree"
)

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	agents   map[string]Agent
	messages map[string][]Message
}

func newMemStore() *memStore {
	return &memStore{agents: map[string]Agent{}, messages: map[string][]Message{}}
}

func (s *memStore) SaveAgent(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = *a
	return nil
}

func (s *memStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *memStore) ListAgents(_ context.Context) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Agent
	for _, a := range s.agents {
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	delete(s.messages, id)
	return nil
}

func (s *memStore) AppendMessage(_ context.Context, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = append(s.messages[id], msg)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[id]...), nil
}

// fakeProc records calls and lets the test inject events.
type fakeProc struct {
	handler  backend.Handler
	opts     backend.StartOptions
	startErr error

	mu         sync.Mutex
	started    bool
	stops      int
	interrupts int
	sent       []string
}

func (p *fakeProc) Start() error {
	if p.startErr != nil {
		p.handler(backend.Event{Kind: backend.EventError, Err: p.startErr})
		return p.startErr
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) SendMessage(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, text)
	return nil
}

func (p *fakeProc) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
	return nil
}

func (p *fakeProc) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakeProc) PID() int { return 4242 }

func (p *fakeProc) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *fakeProc) emitLine(t *testing.T, line string) {
	t.Helper()
	var dec backend.LineDecoder
	for _, ev := range dec.Feed([]byte(line + "\n")) {
		p.handler(ev)
	}
}

func (p *fakeProc) exit(code *int, signal string) {
	p.handler(backend.Event{Kind: backend.EventExit, ExitCode: code, Signal: signal})
}

type fakeIsolator struct {
	fail    bool
	created []string
	removed []string
	seeds   map[string]string
}

func (f *fakeIsolator) Create(sourceDir, label, seed string) (*worktree.Copy, error) {
	if f.fail {
		return nil, errors.New("not a repository")
	}
	f.created = append(f.created, label)
	return &worktree.Copy{Path: sourceDir + "/.agent-worktrees/" + label, Branch: label, Source: sourceDir}, nil
}

func (f *fakeIsolator) Remove(sourceDir, path, branch string) error {
	f.removed = append(f.removed, branch)
	return nil
}

func (f *fakeIsolator) UpdateSeedDocument(path, content string) error {
	if f.seeds == nil {
		f.seeds = map[string]string{}
	}
	f.seeds[path] = content
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) HumanNeeded(targets notify.Targets, agentName, details string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, targets.Email+"|"+agentName)
}

type harness struct {
	mgr      *Manager
	store    *memStore
	isolator *fakeIsolator
	notifier *fakeNotifier
	bus      *events.EventBus
	procs    []*fakeProc
	startErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		isolator: &fakeIsolator{},
		notifier: &fakeNotifier{},
		bus:      events.NewEventBus(),
	}
	t.Cleanup(h.bus.Close)
	h.mgr = NewManager(ManagerConfig{
		Store:    h.store,
		Isolator: h.isolator,
		Notifier: h.notifier,
		Bus:      h.bus,
		NewProcess: func(p backend.Provider, opts backend.StartOptions, handler backend.Handler) Supervisor {
			proc := &fakeProc{handler: handler, opts: opts, startErr: h.startErr}
			h.procs = append(h.procs, proc)
			return proc
		},
	})
	return h
}

func (h *harness) create(t *testing.T, provider backend.ProviderKind) (*Agent, *fakeProc) {
	t.Helper()
	a, err := h.mgr.CreateAgent(context.Background(), "fixer", Config{
		Provider:     provider,
		Directory:    "/src/project",
		Prompt:       "fix the bug",
		Instructions: "# rules",
		Notify:       notify.Targets{Email: "ops@example.com"},
		Flags:        Flags{SkipPermissions: true, Model: "opus"},
	})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return a, h.procs[len(h.procs)-1]
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	a, err := h.store.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	return a.Status
}

func intPtr(i int) *int { return &i }

func TestCreateAgent(t *testing.T) {
	h := newHarness(t)
	statusCh := h.bus.Subscribe(events.TopicAgent, 10)

	a, proc := h.create(t, backend.ProviderClaude)

	if a.Status != StatusRunning {
		t.Errorf("expected running, got %s", a.Status)
	}
	if a.PID != 4242 {
		t.Errorf("expected PID to be recorded, got %d", a.PID)
	}
	if want := "agent-" + a.ID[:8]; a.WorktreeBranch != want {
		t.Errorf("expected branch %s, got %s", want, a.WorktreeBranch)
	}
	if proc.opts.Dir != a.WorktreePath {
		t.Errorf("process should run in the worktree, got %s", proc.opts.Dir)
	}
	if proc.opts.Prompt != "fix the bug" || !proc.opts.SkipPermissions || proc.opts.Model != "opus" {
		t.Errorf("start options not propagated: %+v", proc.opts)
	}
	if h.mgr.Running() != 1 {
		t.Errorf("expected 1 live process, got %d", h.mgr.Running())
	}

	select {
	case ev := <-statusCh:
		if ev.EventType() != events.EventTypeAgentStatus {
			t.Errorf("expected status event, got %s", ev.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no status event published")
	}
}

func TestCreateAgent_UnknownProvider(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.CreateAgent(context.Background(), "x", Config{Provider: "goose", Directory: "/d"})
	if !errors.Is(err, backend.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestCreateAgent_WorktreeFallback(t *testing.T) {
	h := newHarness(t)
	h.isolator.fail = true

	a, proc := h.create(t, backend.ProviderClaude)
	if a.Isolated() {
		t.Error("expected no worktree branch after isolation failure")
	}
	if proc.opts.Dir != "/src/project" {
		t.Errorf("expected fallback to source directory, got %s", proc.opts.Dir)
	}
}

func TestCreateAgent_SpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.startErr = errors.New("exec: \"claude\": executable file not found")

	a, err := h.mgr.CreateAgent(context.Background(), "x", Config{Provider: backend.ProviderClaude, Directory: "/d"})
	if err != nil {
		t.Fatalf("spawn failure should be recorded, not returned: %v", err)
	}
	if a.Status != StatusError {
		t.Errorf("expected error status, got %s", a.Status)
	}
	if h.mgr.Running() != 0 {
		t.Errorf("expected no live processes, got %d", h.mgr.Running())
	}
	msgs, _ := h.mgr.Messages(context.Background(), a.ID)
	if len(msgs) != 1 || msgs[0].Role != backend.RoleSystem {
		t.Errorf("expected a system message describing the failure, got %+v", msgs)
	}
}

func TestClaudeStream(t *testing.T) {
	h := newHarness(t)
	a, proc := h.create(t, backend.ProviderClaude)

	proc.emitLine(t, `{"type":"system","subtype":"init","session_id":"sess-7"}`)
	proc.emitLine(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"On it"},{"type":"tool_use","name":"Edit"}]}}`)
	proc.handler(backend.Event{Kind: backend.EventStderr, Text: "deprecation warning"})
	proc.emitLine(t, `{"type":"result","total_cost_usd":0.31}`)

	got, _ := h.mgr.Get(context.Background(), a.ID)
	if got.Status != StatusStopped {
		t.Errorf("expected stopped after result, got %s", got.Status)
	}
	if got.SessionID != "sess-7" {
		t.Errorf("expected session id captured, got %q", got.SessionID)
	}
	if got.CostUSD != 0.31 {
		t.Errorf("expected cost 0.31, got %v", got.CostUSD)
	}
	if proc.stopCount() != 1 {
		t.Errorf("claude process should be stopped after result, stops=%d", proc.stopCount())
	}

	msgs, _ := h.mgr.Messages(context.Background(), a.ID)
	wantContent := []string{"On it", "Using tool: Edit", "[stderr] deprecation warning"}
	if len(msgs) != len(wantContent) {
		t.Fatalf("expected %d messages, got %d: %+v", len(wantContent), len(msgs), msgs)
	}
	for i, want := range wantContent {
		if msgs[i].Content != want {
			t.Errorf("message %d: expected %q, got %q", i, want, msgs[i].Content)
		}
	}

	// The SIGTERM that follows must not turn the clean stop into an error.
	proc.exit(nil, "terminated")
	if s := h.status(t, a.ID); s != StatusStopped {
		t.Errorf("exit after clean completion changed status to %s", s)
	}
	if h.mgr.Running() != 0 {
		t.Errorf("expected process to be released after exit")
	}
}

func TestCodexStream(t *testing.T) {
	h := newHarness(t)
	a, proc := h.create(t, backend.ProviderCodex)

	proc.emitLine(t, `{"type":"thread.started","thread_id":"thr-1"}`)
	proc.emitLine(t, `{"type":"item.completed","item":{"type":"reasoning","text":"plan"}}`)
	proc.emitLine(t, `{"type":"item.completed","item":{"type":"agent_message","text":"done"}}`)
	proc.emitLine(t, `{"type":"turn.completed","usage":{"input_tokens":100,"output_tokens":20}}`)

	got, _ := h.mgr.Get(context.Background(), a.ID)
	if got.Status != StatusStopped {
		t.Errorf("expected stopped after turn.completed, got %s", got.Status)
	}
	if got.TokenUsage != (TokenUsage{Input: 100, Output: 20}) {
		t.Errorf("unexpected token usage %+v", got.TokenUsage)
	}
	if proc.stopCount() != 0 {
		t.Error("codex exits on its own and should not be stopped")
	}

	proc.exit(intPtr(0), "")
	if s := h.status(t, a.ID); s != StatusStopped {
		t.Errorf("expected stopped, got %s", s)
	}
}

func TestAbnormalExit(t *testing.T) {
	tests := []struct {
		name   string
		code   *int
		signal string
		want   Status
	}{
		{"clean exit", intPtr(0), "", StatusStopped},
		{"non-zero exit", intPtr(2), "", StatusError},
		{"killed by signal", nil, "killed", StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a, proc := h.create(t, backend.ProviderClaude)

			proc.exit(tt.code, tt.signal)
			if s := h.status(t, a.ID); s != tt.want {
				t.Errorf("expected %s, got %s", tt.want, s)
			}
		})
	}
}

func TestPermissionPrompt(t *testing.T) {
	h := newHarness(t)
	a, proc := h.create(t, backend.ProviderClaude)

	proc.emitLine(t, `{"type":"assistant","text":"I need permission. Allow editing main.go?"}`)
	if s := h.status(t, a.ID); s != StatusWaitingInput {
		t.Fatalf("expected waiting_input, got %s", s)
	}

	// A second prompt while already waiting doesn't notify again.
	proc.emitLine(t, `{"type":"assistant","subtype":"permission","text":"still waiting"}`)

	h.notifier.mu.Lock()
	calls := append([]string(nil), h.notifier.calls...)
	h.notifier.mu.Unlock()
	if len(calls) != 1 || calls[0] != "ops@example.com|fixer" {
		t.Errorf("expected one human-needed notification, got %v", calls)
	}

	// A reply is forwarded but does not change status; only the stream does.
	if err := h.mgr.SendMessage(context.Background(), a.ID, "yes"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if s := h.status(t, a.ID); s != StatusWaitingInput {
		t.Errorf("expected waiting_input after reply, got %s", s)
	}
	if len(proc.sent) != 1 || proc.sent[0] != "yes" {
		t.Errorf("message not forwarded: %v", proc.sent)
	}
}

func TestStatusMonotonic(t *testing.T) {
	h := newHarness(t)
	a, proc := h.create(t, backend.ProviderClaude)

	proc.exit(intPtr(1), "")
	if s := h.status(t, a.ID); s != StatusError {
		t.Fatalf("expected error, got %s", s)
	}

	proc.emitLine(t, `{"type":"result","total_cost_usd":1}`)
	proc.emitLine(t, `{"type":"assistant","subtype":"permission"}`)
	if err := h.mgr.Stop(context.Background(), a.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	proc.handler(backend.Event{Kind: backend.EventError, Err: errors.New("late")})

	if s := h.status(t, a.ID); s != StatusError {
		t.Errorf("terminal status changed to %s", s)
	}
}

func TestStopAndInterrupt(t *testing.T) {
	h := newHarness(t)
	a, proc := h.create(t, backend.ProviderClaude)
	ctx := context.Background()

	if err := h.mgr.Interrupt(ctx, a.ID); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	if proc.interrupts != 1 {
		t.Errorf("expected one interrupt, got %d", proc.interrupts)
	}

	if err := h.mgr.Stop(ctx, a.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s := h.status(t, a.ID); s != StatusStopped {
		t.Errorf("expected stopped, got %s", s)
	}
	if proc.stopCount() != 1 {
		t.Errorf("expected process stop, got %d", proc.stopCount())
	}

	proc.exit(nil, "terminated")
	if err := h.mgr.Interrupt(ctx, a.ID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after exit, got %v", err)
	}
	if err := h.mgr.SendMessage(ctx, a.ID, "hi"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after exit, got %v", err)
	}
	if err := h.mgr.Stop(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRename(t *testing.T) {
	h := newHarness(t)
	a, _ := h.create(t, backend.ProviderClaude)

	if err := h.mgr.Rename(context.Background(), a.ID, "reviewer"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	got, _ := h.mgr.Get(context.Background(), a.ID)
	if got.Name != "reviewer" {
		t.Errorf("expected renamed agent, got %q", got.Name)
	}
	if err := h.mgr.Rename(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	a, proc := h.create(t, backend.ProviderClaude)
	ctx := context.Background()

	if err := h.mgr.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if proc.stopCount() != 1 {
		t.Error("expected process to be stopped before deletion")
	}
	if len(h.isolator.removed) != 1 || h.isolator.removed[0] != a.WorktreeBranch {
		t.Errorf("expected worktree removal, got %v", h.isolator.removed)
	}
	if _, err := h.mgr.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected record to be gone, got %v", err)
	}

	// A late exit for a deleted agent is ignored.
	proc.exit(nil, "terminated")
	if h.mgr.Running() != 0 {
		t.Error("expected process slot to be released")
	}
}

func TestStopAll(t *testing.T) {
	h := newHarness(t)
	a1, _ := h.create(t, backend.ProviderClaude)
	a2, p2 := h.create(t, backend.ProviderCodex)
	p2.exit(intPtr(3), "")

	if err := h.mgr.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	if s := h.status(t, a1.ID); s != StatusStopped {
		t.Errorf("expected running agent stopped, got %s", s)
	}
	if s := h.status(t, a2.ID); s != StatusError {
		t.Errorf("errored agent should keep its status, got %s", s)
	}
}

func TestUpdateInstructions(t *testing.T) {
	h := newHarness(t)
	a, _ := h.create(t, backend.ProviderClaude)

	if err := h.mgr.UpdateInstructions(context.Background(), a.ID, "# new rules"); err != nil {
		t.Fatalf("UpdateInstructions failed: %v", err)
	}
	if h.isolator.seeds[a.WorktreePath] != "# new rules" {
		t.Errorf("seed document not written: %v", h.isolator.seeds)
	}
	got, _ := h.mgr.Get(context.Background(), a.ID)
	if got.Config.Instructions != "# new rules" {
		t.Errorf("expected instructions recorded, got %q", got.Config.Instructions)
	}
}

func TestRawLinesNotPersisted(t *testing.T) {
	h := newHarness(t)
	msgCh := h.bus.Subscribe(events.TopicAgent, 10)
	a, proc := h.create(t, backend.ProviderClaude)
	<-msgCh // creation status

	proc.emitLine(t, "plain progress output")

	msgs, _ := h.mgr.Messages(context.Background(), a.ID)
	if len(msgs) != 0 {
		t.Errorf("raw lines should not be persisted, got %+v", msgs)
	}
	select {
	case ev := <-msgCh:
		m, ok := ev.(events.AgentMessageEvent)
		if !ok || m.Raw != "plain progress output" || m.Role != "" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("raw line was not relayed")
	}
}

func TestRecoverOrphans(t *testing.T) {
	h := newHarness(t)
	live, _ := h.create(t, backend.ProviderClaude)

	ctx := context.Background()
	orphan := &Agent{ID: "orphan", Name: "left over", Status: StatusWaitingInput, CreatedAt: time.Now()}
	done := &Agent{ID: "done", Name: "finished", Status: StatusStopped, CreatedAt: time.Now()}
	for _, a := range []*Agent{orphan, done} {
		if err := h.store.SaveAgent(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	n, err := h.mgr.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 orphan, got %d", n)
	}
	if s := h.status(t, "orphan"); s != StatusError {
		t.Errorf("orphan should be errored, got %s", s)
	}
	if s := h.status(t, live.ID); s != StatusRunning {
		t.Errorf("live agent should be untouched, got %s", s)
	}
	if s := h.status(t, "done"); s != StatusStopped {
		t.Errorf("stopped agent should be untouched, got %s", s)
	}
	msgs, _ := h.mgr.Messages(ctx, "orphan")
	if len(msgs) != 1 || msgs[0].Role != backend.RoleSystem {
		t.Errorf("expected a system note on the orphan, got %+v", msgs)
	}
}
