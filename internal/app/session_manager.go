package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/pkg/memory"
)

// maxSessionIDLen bounds caller-chosen session ids.
const maxSessionIDLen = 128

// MoodRegistry receives the mood a user reported when opening a session.
type MoodRegistry interface {
	Set(sessionID, label string)
	Forget(sessionID string)
}

// LoginRecorder persists the login that opened a session.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, username, sessionID, initialMood string) error
}

// SessionManagerConfig holds the settings and shared collaborators of a
// [SessionManager].
type SessionManagerConfig struct {
	// Session is the template every session is created from. Its ID is
	// replaced per session.
	Session session.Config

	// Deps are shared by every session. OnEnd is owned by the manager.
	Deps session.Deps

	// Store serves turn history for [SessionManager.Turns].
	Store memory.TurnStore

	// Moods, if set, receives login mood labels.
	Moods MoodRegistry

	// Logins, if set, persists login moods.
	Logins LoginRecorder

	AutoCreate     bool
	MaxSessions    int
	IdleTimeout    time.Duration
	EndedRetention time.Duration

	Metrics *observe.Metrics
}

// tombstone remembers an ended session so late uploads are refused rather
// than opening a fresh session under the same id.
type tombstone struct {
	info session.Info
	at   time.Time
}

// SessionManager owns every live session of the process. It creates sessions
// on demand, routes uploads to them, ends idle ones and remembers ended ones
// for a while.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg     SessionManagerConfig
	metrics *observe.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session.Session
	ended    map[string]tombstone
	closed   bool
	wg       sync.WaitGroup // sessions not yet fully ended
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		now:      time.Now,
		sessions: make(map[string]*session.Session),
		ended:    make(map[string]tombstone),
	}
}

// Open creates the session id, or describes the open session with that id.
// An empty id gets a generated one. created reports whether a new session
// was started.
func (m *SessionManager) Open(ctx context.Context, id string, req session.OpenRequest) (info session.Info, created bool, err error) {
	if id == "" {
		id = uuid.NewString()
	}
	s, created, err := m.getOrCreate(id, true)
	if err != nil {
		return session.Info{}, false, err
	}
	if req.Mood != "" {
		m.registerMood(ctx, id, req)
	}
	return session.Info{Snapshot: s.Snapshot(), Open: !s.Ended()}, created, nil
}

// Submit queues payload for the session id, creating the session first when
// auto-create is enabled.
func (m *SessionManager) Submit(ctx context.Context, id string, u session.Upload) error {
	s, _, err := m.getOrCreate(id, m.cfg.AutoCreate)
	if err != nil {
		return err
	}
	err = s.Submit(ctx, u)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrQueueFull):
		m.metrics.RecordUpload(ctx, observe.UploadRejected)
		slog.Warn("upload rejected, queue full", "session_id", id, "bytes", len(u.Payload))
	}
	return err
}

// Get returns the open session id.
func (m *SessionManager) Get(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Info describes the session id, open or recently ended.
func (m *SessionManager) Info(id string) (session.Info, error) {
	m.mu.Lock()
	s, open := m.sessions[id]
	ts, ended := m.ended[id]
	m.mu.Unlock()

	switch {
	case open:
		return session.Info{Snapshot: s.Snapshot(), Open: !s.Ended()}, nil
	case ended:
		return ts.info, nil
	default:
		return session.Info{}, session.ErrNoSession
	}
}

// List returns every open session, oldest first.
func (m *SessionManager) List() []session.Info {
	m.mu.Lock()
	open := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	out := make([]session.Info, 0, len(open))
	for _, s := range open {
		out = append(out, session.Info{Snapshot: s.Snapshot(), Open: !s.Ended()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of open sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// End gracefully ends the session id. Ending an ended session is a no-op.
func (m *SessionManager) End(id string, reason session.EndReason) error {
	m.mu.Lock()
	s, open := m.sessions[id]
	_, ended := m.ended[id]
	m.mu.Unlock()

	switch {
	case open:
		s.End(reason)
		return nil
	case ended:
		return nil
	default:
		return session.ErrNoSession
	}
}

// Turns returns up to limit recent turns of the session id, oldest first.
func (m *SessionManager) Turns(ctx context.Context, id string, limit int) ([]memory.Turn, error) {
	if _, err := m.Info(id); err != nil {
		return nil, err
	}
	if m.cfg.Store == nil {
		return []memory.Turn{}, nil
	}
	turns, err := m.cfg.Store.RecentTurns(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("app: turns for %s: %w", id, err)
	}
	return turns, nil
}

// Accepting reports whether new uploads are accepted.
func (m *SessionManager) Accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// RunReaper ends idle sessions and forgets expired tombstones until ctx is
// done.
func (m *SessionManager) RunReaper(ctx context.Context) error {
	interval := m.reapInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Reap()
		}
	}
}

func (m *SessionManager) reapInterval() time.Duration {
	interval := time.Minute
	for _, d := range []time.Duration{m.cfg.IdleTimeout / 4, m.cfg.EndedRetention / 4} {
		if d > 0 && d < interval {
			interval = d
		}
	}
	return max(interval, 10*time.Millisecond)
}

// Reap runs one reaper pass.
func (m *SessionManager) Reap() {
	now := m.now()
	var idle []*session.Session

	m.mu.Lock()
	if m.cfg.IdleTimeout > 0 {
		for _, s := range m.sessions {
			if now.Sub(s.LastActivity()) >= m.cfg.IdleTimeout {
				idle = append(idle, s)
			}
		}
	}
	for id, ts := range m.ended {
		if now.Sub(ts.at) >= m.cfg.EndedRetention {
			delete(m.ended, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		slog.Info("ending idle session", "session_id", s.ID(), "last_activity", s.LastActivity())
		s.End(session.EndIdle)
	}
}

// Shutdown stops accepting sessions, ends every open session and waits for
// their in-flight actions until ctx ends.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	slog.Info("ending sessions", "count", len(open))
	for _, s := range open {
		s.End(session.EndShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: sessions still draining: %w", ctx.Err())
	}
}

func (m *SessionManager) getOrCreate(id string, create bool) (*session.Session, bool, error) {
	if err := validateID(id); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, false, nil
	}
	if _, ok := m.ended[id]; ok {
		return nil, false, session.ErrSessionEnded
	}
	if m.closed {
		return nil, false, session.ErrShuttingDown
	}
	if !create {
		return nil, false, session.ErrNoSession
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return nil, false, session.ErrTooManySessions
	}

	cfg := m.cfg.Session
	cfg.ID = id
	deps := m.cfg.Deps
	deps.OnEnd = m.onEnd
	deps.Metrics = m.metrics
	s, err := session.New(cfg, deps)
	if err != nil {
		return nil, false, fmt.Errorf("app: open session %s: %w", id, err)
	}
	m.sessions[id] = s
	m.wg.Add(1)
	m.metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Info("session opened", "session_id", id, "open_sessions", len(m.sessions))
	return s, true, nil
}

// onEnd moves a fully drained session to the tombstones.
func (m *SessionManager) onEnd(s *session.Session, reason session.EndReason) {
	info := session.Info{Snapshot: s.Snapshot(), EndedAt: m.now()}

	m.mu.Lock()
	delete(m.sessions, s.ID())
	if m.cfg.EndedRetention > 0 {
		m.ended[s.ID()] = tombstone{info: info, at: info.EndedAt}
	}
	m.mu.Unlock()

	if m.cfg.Moods != nil {
		m.cfg.Moods.Forget(s.ID())
	}
	m.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session closed", "session_id", s.ID(), "reason", reason, "chunks", info.Processed)
	m.wg.Done()
}

func (m *SessionManager) registerMood(ctx context.Context, id string, req session.OpenRequest) {
	if m.cfg.Moods != nil {
		m.cfg.Moods.Set(id, req.Mood)
	}
	if m.cfg.Logins != nil {
		user := req.User
		if user == "" {
			user = "anonymous"
		}
		if err := m.cfg.Logins.RecordLogin(ctx, user, id, req.Mood); err != nil {
			slog.Warn("failed to record login mood", "session_id", id, "err", err)
		}
	}
}

// validateID accepts ids made of URL-safe characters.
func validateID(id string) error {
	if id == "" || len(id) > maxSessionIDLen {
		return fmt.Errorf("%w: length %d", session.ErrInvalidID, len(id))
	}
	if i := strings.IndexFunc(id, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.')
	}); i >= 0 {
		return fmt.Errorf("%w: %q", session.ErrInvalidID, id)
	}
	return nil
}
