package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/internal/session"
	audiomock "github.com/MrWong99/cadence/pkg/audio/mock"
	"github.com/MrWong99/cadence/pkg/memory"
	llmmock "github.com/MrWong99/cadence/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/cadence/pkg/provider/stt/mock"
	vadmock "github.com/MrWong99/cadence/pkg/provider/vad/mock"
)

type fakeMoods struct {
	mu     sync.Mutex
	set    map[string]string
	forgot []string
}

func (f *fakeMoods) Set(id, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set == nil {
		f.set = make(map[string]string)
	}
	f.set[id] = label
}

func (f *fakeMoods) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, id)
}

type login struct{ user, session, mood string }

type fakeLogins struct {
	mu     sync.Mutex
	logins []login
	err    error
}

func (f *fakeLogins) RecordLogin(_ context.Context, user, sessionID, mood string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, login{user, sessionID, mood})
	return f.err
}

func newTestSessionManager(t *testing.T, mutate func(*SessionManagerConfig)) *SessionManager {
	t.Helper()
	store := memory.NewMemStore(0)
	noRetry := resilience.RetryPolicy{Attempts: 1}
	orch, err := session.NewOrchestrator(session.OrchestratorConfig{
		LLM:   &llmmock.Provider{Reply: "hi"},
		Store: session.NewTurnGuard(store, noRetry),
		Retry: noRetry,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	disp, err := session.NewDispatcher(session.DispatcherConfig{
		STT:          &sttmock.Transcriber{Text: "hello"},
		Orchestrator: orch,
		Retry:        noRetry,
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	cfg := SessionManagerConfig{
		Session: session.Config{QueueDepth: 8},
		Deps: session.Deps{
			Decoder:    &audiomock.Decoder{},
			Classifier: &vadmock.Classifier{},
			Dispatcher: disp,
			CPU:        session.NewPool("cpu", 2),
			Actions:    session.NewPool("actions", 2),
		},
		Store:          store,
		AutoCreate:     true,
		EndedRetention: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewSessionManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// waitClosed polls until the session id is no longer open.
func waitClosed(t *testing.T, m *SessionManager, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, open := m.Get(id); !open {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s still open", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionManager_OpenGeneratesID(t *testing.T) {
	t.Parallel()
	m := newTestSessionManager(t, nil)

	info, created, err := m.Open(context.Background(), "", session.OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !created || info.ID == "" || !info.Open {
		t.Fatalf("Open() = %+v, created %v; want a new open session with a generated id", info, created)
	}

	again, created, err := m.Open(context.Background(), info.ID, session.OpenRequest{})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if created || again.ID != info.ID {
		t.Error("second Open should return the existing session")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestSessionManager_OpenRegistersMood(t *testing.T) {
	t.Parallel()
	moods := &fakeMoods{}
	logins := &fakeLogins{err: errors.New("db down")}
	m := newTestSessionManager(t, func(c *SessionManagerConfig) {
		c.Moods = moods
		c.Logins = logins
	})

	if _, _, err := m.Open(context.Background(), "s1", session.OpenRequest{Mood: "happy"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if moods.set["s1"] != "happy" {
		t.Errorf("registered mood = %q, want happy", moods.set["s1"])
	}
	if len(logins.logins) != 1 || logins.logins[0] != (login{"anonymous", "s1", "happy"}) {
		t.Errorf("logins = %+v, want one anonymous login", logins.logins)
	}

	if err := m.End("s1", session.EndRequested); err != nil {
		t.Fatalf("End: %v", err)
	}
	waitClosed(t, m, "s1")
	moods.mu.Lock()
	defer moods.mu.Unlock()
	if len(moods.forgot) != 1 || moods.forgot[0] != "s1" {
		t.Errorf("forgotten = %v, want [s1]", moods.forgot)
	}
}

func TestSessionManager_SubmitAutoCreate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		autoCreate bool
		wantErr    error
	}{
		{"enabled", true, nil},
		{"disabled", false, session.ErrNoSession},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := newTestSessionManager(t, func(c *SessionManagerConfig) { c.AutoCreate = tc.autoCreate })
			err := m.Submit(context.Background(), "s1", session.Upload{Payload: make([]byte, 320)})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Submit() error = %v, want %v", err, tc.wantErr)
			}
			if _, open := m.Get("s1"); open != tc.autoCreate {
				t.Errorf("session open = %v, want %v", open, tc.autoCreate)
			}
		})
	}
}

func TestSessionManager_InvalidIDs(t *testing.T) {
	t.Parallel()
	m := newTestSessionManager(t, nil)

	long := make([]byte, maxSessionIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	for _, id := range []string{"has space", "slash/inside", "ünïcode", string(long)} {
		if _, _, err := m.Open(context.Background(), id, session.OpenRequest{}); !errors.Is(err, session.ErrInvalidID) {
			t.Errorf("Open(%q) error = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestSessionManager_MaxSessions(t *testing.T) {
	t.Parallel()
	m := newTestSessionManager(t, func(c *SessionManagerConfig) { c.MaxSessions = 2 })

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := m.Open(ctx, id, session.OpenRequest{}); err != nil {
			t.Fatalf("Open(%s): %v", id, err)
		}
	}
	if _, _, err := m.Open(ctx, "c", session.OpenRequest{}); !errors.Is(err, session.ErrTooManySessions) {
		t.Fatalf("third Open error = %v, want ErrTooManySessions", err)
	}
	if _, _, err := m.Open(ctx, "a", session.OpenRequest{}); err != nil {
		t.Errorf("reopening an open session should not count against the limit: %v", err)
	}
}

func TestSessionManager_EndLeavesTombstone(t *testing.T) {
	t.Parallel()
	m := newTestSessionManager(t, nil)
	ctx := context.Background()

	if err := m.End("missing", session.EndRequested); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("End(missing) = %v, want ErrNoSession", err)
	}

	if _, _, err := m.Open(ctx, "s1", session.OpenRequest{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.End("s1", session.EndRequested); err != nil {
		t.Fatalf("End: %v", err)
	}
	waitClosed(t, m, "s1")

	info, err := m.Info("s1")
	if err != nil {
		t.Fatalf("Info after end: %v", err)
	}
	if info.Open || info.EndedAt.IsZero() {
		t.Errorf("info = %+v, want closed with an end time", info)
	}
	if err := m.Submit(ctx, "s1", session.Upload{Payload: make([]byte, 320)}); !errors.Is(err, session.ErrSessionEnded) {
		t.Errorf("Submit after end = %v, want ErrSessionEnded", err)
	}
	if _, _, err := m.Open(ctx, "s1", session.OpenRequest{}); !errors.Is(err, session.ErrSessionEnded) {
		t.Errorf("Open after end = %v, want ErrSessionEnded", err)
	}
	if err := m.End("s1", session.EndRequested); err != nil {
		t.Errorf("ending twice = %v, want nil", err)
	}
	if turns, err := m.Turns(ctx, "s1", 10); err != nil || len(turns) != 0 {
		t.Errorf("Turns() = %v, %v; want empty history", turns, err)
	}
}

func TestSessionManager_TurnsUnknownSession(t *testing.T) {
	t.Parallel()
	m := newTestSessionManager(t, nil)
	if _, err := m.Turns(context.Background(), "nobody", 5); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("Turns() error = %v, want ErrNoSession", err)
	}
}

func TestSessionManager_ListOldestFirst(t *testing.T) {
	t.Parallel()
	m := newTestSessionManager(t, nil)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		if _, _, err := m.Open(ctx, id, session.OpenRequest{}); err != nil {
			t.Fatalf("Open(%s): %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d sessions, want 3", len(list))
	}
	for i, want := range []string{"first", "second", "third"} {
		if list[i].ID != want || !list[i].Open {
			t.Errorf("List()[%d] = %s (open %v), want %s", i, list[i].ID, list[i].Open, want)
		}
	}
}

func TestSessionManager_ReapIdleAndExpireTombstones(t *testing.T) {
	t.Parallel()
	m := newTestSessionManager(t, func(c *SessionManagerConfig) {
		c.IdleTimeout = time.Minute
		c.EndedRetention = time.Hour
	})
	var skew atomic.Int64
	m.now = func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }
	ctx := context.Background()

	if _, _, err := m.Open(ctx, "idle", session.OpenRequest{}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Nothing is idle yet.
	m.Reap()
	if _, open := m.Get("idle"); !open {
		t.Fatal("fresh session was reaped")
	}

	skew.Store(int64(2 * time.Minute))
	m.Reap()
	waitClosed(t, m, "idle")
	if _, err := m.Info("idle"); err != nil {
		t.Fatalf("idle session should be tombstoned: %v", err)
	}

	skew.Store(int64(3 * time.Hour))
	m.Reap()
	if _, err := m.Info("idle"); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("Info after retention = %v, want ErrNoSession", err)
	}
	if _, created, err := m.Open(ctx, "idle", session.OpenRequest{}); err != nil || !created {
		t.Errorf("Open after tombstone expiry = %v, created %v; want a fresh session", err, created)
	}
}

func TestSessionManager_Shutdown(t *testing.T) {
	t.Parallel()
	m := newTestSessionManager(t, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := m.Submit(ctx, id, session.Upload{Payload: make([]byte, 3200)}); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d after shutdown, want 0", m.Count())
	}
	if m.Accepting() {
		t.Error("Accepting() = true after shutdown")
	}
	if _, _, err := m.Open(ctx, "c", session.OpenRequest{}); !errors.Is(err, session.ErrShuttingDown) {
		t.Errorf("Open after shutdown = %v, want ErrShuttingDown", err)
	}
	info, err := m.Info("a")
	if err != nil || info.Open {
		t.Errorf("Info(a) = %+v, %v; want a closed tombstone", info, err)
	}
}

func TestSessionManager_ReapInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		idle, retention time.Duration
		want            time.Duration
	}{
		{0, 0, time.Minute},
		{10 * time.Minute, 10 * time.Minute, time.Minute},
		{time.Minute, 10 * time.Minute, 15 * time.Second},
		{0, 20 * time.Second, 5 * time.Second},
		{time.Millisecond, 0, 10 * time.Millisecond},
	}
	for _, tc := range tests {
		m := NewSessionManager(SessionManagerConfig{IdleTimeout: tc.idle, EndedRetention: tc.retention})
		if got := m.reapInterval(); got != tc.want {
			t.Errorf("reapInterval(idle %v, retention %v) = %v, want %v", tc.idle, tc.retention, got, tc.want)
		}
	}
}
