// ABOUTME: Session registry: one backend process per conversation, with
// ABOUTME: capacity eviction, idle sweeping and durable resume via the store

package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/arinova/clawbridge/internal/backend"
	"github.com/arinova/clawbridge/internal/config"
	"github.com/arinova/clawbridge/internal/store"
)

// Session binds one conversation to one backend process.
type Session struct {
	ConversationID string
	Process        backend.Process

	// lastActivity is guarded by the registry mutex and never decreases.
	lastActivity time.Time
}

// DeadSession remembers a destroyed session so its backend session id
// stays resumable.
type DeadSession struct {
	SessionID string
	Cwd       string
	Model     string
	Backend   backend.Kind
}

// Info is a snapshot of one live session for listings.
type Info struct {
	ConversationID string
	Backend        backend.Kind
	Model          string
	Cwd            string
	SessionID      string
	Busy           bool
	LastActivity   time.Time
}

// prefs are per-conversation overrides set by /new and /model.
type prefs struct {
	cwd   string
	model string
}

// factory builds backend processes; swapped for a fake in tests.
type factory func(kind backend.Kind, opts backend.Options) (backend.Process, error)

// Registry owns every live session. All state lives under one RWMutex;
// the sweeper goroutine reaps idle sessions on a clock ticker.
type Registry struct {
	cfg        *config.Config
	store      *store.Store
	logger     *slog.Logger
	clk        clock.Clock
	newProcess factory

	mu       sync.RWMutex
	sessions map[string]*Session
	dead     map[string]DeadSession
	prefs    map[string]prefs

	sweepOnce sync.Once
	done      chan struct{}
}

// New builds a registry. The store may already hold loaded entries.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		cfg:        cfg,
		store:      st,
		logger:     logger.With("component", "session"),
		clk:        clk,
		newProcess: backend.New,
		sessions:   make(map[string]*Session),
		dead:       make(map[string]DeadSession),
		prefs:      make(map[string]prefs),
		done:       make(chan struct{}),
	}
}

// SetProcessFactory replaces the backend constructor. Tests install
// fakes here; production code keeps the default.
func (r *Registry) SetProcessFactory(f func(backend.Kind, backend.Options) (backend.Process, error)) {
	r.newProcess = f
}

// ResolveBackend maps a model id to the backend kind serving it and the
// model flag the child should see.
func (r *Registry) ResolveBackend(model string) (backend.Kind, string) {
	kind, childModel := r.cfg.BackendFor(model)
	return backend.Kind(kind), childModel
}

// createSpec is the resolved recipe for one process.
type createSpec struct {
	kind     backend.Kind
	model    string
	cwd      string
	resumeID string
	compact  bool
}

// CreateSession builds, starts and registers a session for the
// conversation. model is the effective child model (may be empty). A
// matching persisted entry supplies the resume id; when no model was
// requested at all, the entry's model decides the backend too, so a
// conversation resumes on the backend it ran before a restart.
func (r *Registry) CreateSession(ctx context.Context, convID, model string) (*Session, error) {
	entry, persisted := r.store.Get(convID)
	if model == "" && persisted {
		model = entry.Model
	}
	kind, childModel := r.ResolveBackend(model)

	spec := createSpec{
		kind:  kind,
		model: childModel,
		cwd:   r.effectiveCwd(convID),
	}
	if persisted && entry.Backend == string(kind) {
		spec.resumeID = entry.SessionID
		if entry.Cwd != "" && r.cwdOverride(convID) == "" {
			spec.cwd = entry.Cwd
		}
	}
	return r.create(ctx, convID, spec)
}

// ResumeSession destroys any current session for the conversation and
// creates one resuming the given backend session id. Dead records and
// the store supply kind/model/cwd; an unknown id defaults to the
// persistent backend.
func (r *Registry) ResumeSession(ctx context.Context, convID, sessionID string) (*Session, error) {
	spec := createSpec{
		kind:     backend.KindPersistent,
		cwd:      r.effectiveCwd(convID),
		resumeID: sessionID,
	}

	r.mu.RLock()
	if d, ok := r.dead[sessionID]; ok {
		spec.kind = d.Backend
		spec.model = d.Model
		if d.Cwd != "" {
			spec.cwd = d.Cwd
		}
	}
	r.mu.RUnlock()

	if entry, ok := r.store.Get(convID); ok && entry.SessionID == sessionID {
		spec.kind = backend.Kind(entry.Backend)
		spec.model = entry.Model
		if entry.Cwd != "" {
			spec.cwd = entry.Cwd
		}
	}

	if err := r.DestroySession(ctx, convID); err != nil {
		r.logger.Warn("destroying session before resume", "conversation", convID, "error", err)
	}
	return r.create(ctx, convID, spec)
}

// CompactSession recreates the conversation's persistent session with
// the compact flag so the child squashes its context on resume.
func (r *Registry) CompactSession(ctx context.Context, convID string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[convID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no session for conversation %s", convID)
	}
	if sess.Process.Kind() != backend.KindPersistent {
		return nil, fmt.Errorf("compact only applies to persistent sessions")
	}

	spec := createSpec{
		kind:     backend.KindPersistent,
		model:    sess.Process.Model(),
		cwd:      sess.Process.Cwd(),
		resumeID: sess.Process.SessionID(),
		compact:  true,
	}
	if spec.resumeID == "" {
		return nil, fmt.Errorf("session has no backend session id yet")
	}

	if err := r.DestroySession(ctx, convID); err != nil {
		r.logger.Warn("destroying session before compact", "conversation", convID, "error", err)
	}
	return r.create(ctx, convID, spec)
}

func (r *Registry) create(ctx context.Context, convID string, spec createSpec) (*Session, error) {
	r.evictIfFull(ctx)

	opts := backend.Options{
		Cwd:         spec.cwd,
		Model:       spec.model,
		ResumeID:    spec.resumeID,
		Compact:     spec.compact,
		TurnTimeout: r.cfg.Backends.Claude.TurnTimeout,
		Logger:      r.logger,
		Clock:       r.clk,
	}
	switch spec.kind {
	case backend.KindPersistent:
		opts.Path = r.cfg.Backends.Claude.Path
		opts.MCPConfig = r.cfg.Backends.Claude.MCPConfig
		opts.AppendSystemPrompt = r.cfg.Backends.Claude.AppendSystemPrompt
	case backend.KindEphemeral:
		opts.Path = r.cfg.Backends.Codex.Path
	}

	proc, err := r.newProcess(spec.kind, opts)
	if err != nil {
		return nil, fmt.Errorf("building %s backend: %w", spec.kind, err)
	}
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting %s backend: %w", spec.kind, err)
	}

	sess := &Session{
		ConversationID: convID,
		Process:        proc,
		lastActivity:   r.clk.Now(),
	}

	r.mu.Lock()
	r.sessions[convID] = sess
	r.mu.Unlock()

	r.logger.Info("=== SESSION CREATED ===",
		"conversation", convID,
		"backend", spec.kind,
		"model", spec.model,
		"cwd", spec.cwd,
		"resume", spec.resumeID,
		"compact", spec.compact)
	return sess, nil
}

// evictIfFull enforces the soft session ceiling: the single oldest
// non-busy session is destroyed; when every session is busy the new one
// is admitted anyway.
func (r *Registry) evictIfFull(ctx context.Context) {
	r.mu.Lock()
	if len(r.sessions) < r.cfg.Sessions.MaxSessions {
		r.mu.Unlock()
		return
	}
	var victim *Session
	for _, s := range r.sessions {
		if s.Process.Busy() {
			continue
		}
		if victim == nil || s.lastActivity.Before(victim.lastActivity) {
			victim = s
		}
	}
	r.mu.Unlock()

	if victim == nil {
		r.logger.Warn("session ceiling reached but all sessions busy, admitting anyway",
			"max", r.cfg.Sessions.MaxSessions)
		return
	}

	r.logger.Info("evicting idle session for capacity",
		"conversation", victim.ConversationID,
		"session_id", victim.Process.SessionID())
	if err := r.DestroySession(ctx, victim.ConversationID); err != nil {
		r.logger.Warn("evicting session", "conversation", victim.ConversationID, "error", err)
	}
}

// GetSession returns the live session for a conversation.
func (r *Registry) GetSession(convID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[convID]
	return s, ok
}

// ListSessions snapshots live sessions (newest activity first) and dead
// records, deduplicating dead entries whose id a live session carries.
func (r *Registry) ListSessions() ([]Info, []DeadSession) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := lo.MapToSlice(r.sessions, func(convID string, s *Session) Info {
		return Info{
			ConversationID: convID,
			Backend:        s.Process.Kind(),
			Model:          s.Process.Model(),
			Cwd:            s.Process.Cwd(),
			SessionID:      s.Process.SessionID(),
			Busy:           s.Process.Busy(),
			LastActivity:   s.lastActivity,
		}
	})
	sort.Slice(live, func(i, j int) bool {
		return live[i].LastActivity.After(live[j].LastActivity)
	})

	liveIDs := lo.SliceToMap(live, func(i Info) (string, struct{}) {
		return i.SessionID, struct{}{}
	})
	dead := lo.Filter(lo.Values(r.dead), func(d DeadSession, _ int) bool {
		_, alive := liveIDs[d.SessionID]
		return !alive
	})
	sort.Slice(dead, func(i, j int) bool { return dead[i].SessionID < dead[j].SessionID })

	return live, dead
}

// DestroySession stops and removes the conversation's session,
// capturing a dead record when a backend session id exists.
func (r *Registry) DestroySession(ctx context.Context, convID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[convID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, convID)
	if sid := sess.Process.SessionID(); sid != "" {
		r.dead[sid] = DeadSession{
			SessionID: sid,
			Cwd:       sess.Process.Cwd(),
			Model:     sess.Process.Model(),
			Backend:   sess.Process.Kind(),
		}
	}
	r.mu.Unlock()

	r.logger.Info("=== SESSION DESTROYED ===",
		"conversation", convID,
		"session_id", sess.Process.SessionID())
	if err := sess.Process.Stop(ctx); err != nil {
		return fmt.Errorf("stopping backend: %w", err)
	}
	return nil
}

// FindSessionID resolves a session id prefix over live and dead ids.
// The prefix must match exactly one id.
func (r *Registry) FindSessionID(prefix string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]struct{}{}
	var matches []string
	add := func(sid string) {
		if sid == "" || len(prefix) > len(sid) || sid[:len(prefix)] != prefix {
			return
		}
		if _, dup := seen[sid]; dup {
			return
		}
		seen[sid] = struct{}{}
		matches = append(matches, sid)
	}
	for _, s := range r.sessions {
		add(s.Process.SessionID())
	}
	for sid := range r.dead {
		add(sid)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no session matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous prefix %q matches %d sessions", prefix, len(matches))
	}
}

// PersistAfterTurn records the session's backend id in the store. Called
// after successful turns; sessions without an id yet are skipped.
func (r *Registry) PersistAfterTurn(convID string) {
	sess, ok := r.GetSession(convID)
	if !ok {
		return
	}
	sid := sess.Process.SessionID()
	if sid == "" {
		return
	}
	r.store.Persist(convID, store.Entry{
		SessionID: sid,
		Backend:   string(sess.Process.Kind()),
		Model:     sess.Process.Model(),
		Cwd:       sess.Process.Cwd(),
	})
}

// Touch bumps the conversation's activity clock.
func (r *Registry) Touch(convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[convID]; ok {
		now := r.clk.Now()
		if now.After(s.lastActivity) {
			s.lastActivity = now
		}
	}
}

// SetCwdOverride pins a working directory for future sessions of the
// conversation.
func (r *Registry) SetCwdOverride(convID, cwd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.prefs[convID]
	p.cwd = cwd
	r.prefs[convID] = p
}

// SetModelOverride pins a model for future turns of the conversation.
func (r *Registry) SetModelOverride(convID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.prefs[convID]
	p.model = model
	r.prefs[convID] = p
}

// ModelOverride returns the pinned model, empty when unset.
func (r *Registry) ModelOverride(convID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefs[convID].model
}

// cwdOverride returns the pinned working directory, empty when unset.
func (r *Registry) cwdOverride(convID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefs[convID].cwd
}

// effectiveCwd resolves the working directory for a new session:
// conversation override, configured default, then the bridge's own cwd.
func (r *Registry) effectiveCwd(convID string) string {
	if override := r.cwdOverride(convID); override != "" {
		return override
	}
	if r.cfg.Sessions.DefaultCwd != "" {
		return r.cfg.Sessions.DefaultCwd
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// ClearPersisted drops the conversation's store entry.
func (r *Registry) ClearPersisted(convID string) {
	r.store.Clear(convID)
}

// StartSweeper launches the idle sweep loop. Safe to call once.
func (r *Registry) StartSweeper() {
	r.sweepOnce.Do(func() {
		go r.sweepLoop()
	})
}

func (r *Registry) sweepLoop() {
	ticker := r.clk.Ticker(r.cfg.Sessions.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.done:
			return
		}
	}
}

// sweep destroys sessions idle beyond the timeout. Busy sessions are
// never swept.
func (r *Registry) sweep() {
	now := r.clk.Now()

	r.mu.RLock()
	var idle []string
	for convID, s := range r.sessions {
		if s.Process.Busy() {
			continue
		}
		if now.Sub(s.lastActivity) > r.cfg.Sessions.IdleTimeout {
			idle = append(idle, convID)
		}
	}
	r.mu.RUnlock()

	for _, convID := range idle {
		r.logger.Info("sweeping idle session", "conversation", convID)
		go func(convID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.DestroySession(ctx, convID); err != nil {
				r.logger.Warn("sweeping session", "conversation", convID, "error", err)
			}
		}(convID)
	}
}

// StopAll shuts the registry down: sweeper stopped, store flushed,
// every process stopped, maps cleared.
func (r *Registry) StopAll(ctx context.Context) {
	select {
	case <-r.done:
	default:
		close(r.done)
	}

	r.mu.Lock()
	sessions := lo.Values(r.sessions)
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Process.Stop(ctx); err != nil {
			r.logger.Warn("stopping backend", "conversation", s.ConversationID, "error", err)
		}
	}
	r.store.Flush()
	r.logger.Info("all sessions stopped", "count", len(sessions))
}
