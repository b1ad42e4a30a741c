package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/switchyard-chat/switchyard/internal/backoff"
	"github.com/switchyard-chat/switchyard/internal/config"
	"github.com/switchyard-chat/switchyard/internal/conn"
	"github.com/switchyard-chat/switchyard/internal/credstore"
	"github.com/switchyard-chat/switchyard/internal/eventbus"
	"github.com/switchyard-chat/switchyard/internal/groupcache"
	"github.com/switchyard-chat/switchyard/internal/metastore"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionDeleted  = errors.New("session was deleted")
)

// CredentialStore persists per-session credential blobs.
type CredentialStore interface {
	Save(sessionID string, blob []byte) error
	Delete(sessionID string) error
}

// TenantStore holds per-tenant settings that logout wipes.
type TenantStore interface {
	DeleteTenant(ctx context.Context, tenant string) error
}

// EventHandler receives a connection's data events.
type EventHandler interface {
	HandleEvent(ctx context.Context, sessionID string, c conn.Conn, ev conn.Event)
}

// Deps are the collaborators a Manager drives. Factory and Meta are required;
// the rest may be nil.
type Deps struct {
	Factory conn.Factory
	Meta    *metastore.Store
	Creds   CredentialStore
	Cache   *groupcache.Cache
	KV      TenantStore
	Events  EventHandler
	Bus     *eventbus.Bus
}

// Manager is the session registry. Registry order is insertion order and is
// mirrored to the meta file on every membership change.
type Manager struct {
	deps        Deps
	policy      backoff.Policy
	concurrency int
	startDelay  time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	limiter *semaphore.Weighted
	starts  singleflight.Group
	wg      sync.WaitGroup

	// mu guards sessions, order and every Session field. Meta snapshots are
	// taken and handed to the store while it is held, so they land in order.
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

// NewManager creates a manager. Call Close to cancel pending reconnects.
func NewManager(cfg config.SessionsConfig, deps Deps, logger *slog.Logger) *Manager {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps: deps,
		policy: backoff.Policy{
			Initial: cfg.DefaultBackoff.Duration,
			Max:     cfg.MaxBackoff.Duration,
		},
		concurrency: concurrency,
		startDelay:  cfg.StartDelay.Duration,
		logger:      logger.With("component", "session"),
		ctx:         ctx,
		cancel:      cancel,
		limiter:     semaphore.NewWeighted(int64(concurrency)),
		sessions:    make(map[string]*Session),
	}
}

// Restore loads the persisted registry as stopped sessions. Ids already
// registered are kept as they are.
func (m *Manager) Restore() int {
	ids := m.deps.Meta.Load()

	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, id := range ids {
		if _, ok := m.sessions[id]; ok || !credstore.ValidID(id) {
			continue
		}
		m.addLocked(id)
		added++
	}
	if added > 0 {
		m.deps.Meta.PersistSync(m.idsLocked())
	}
	m.logger.Info("restored sessions", "count", added)
	return added
}

// Register adds id as a stopped session and persists the registry before
// returning. It reports whether the session was newly created.
func (m *Manager) Register(id string) (bool, error) {
	if !credstore.ValidID(id) {
		return false, fmt.Errorf("%w: %q", credstore.ErrInvalidID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return false, nil
	}
	m.addLocked(id)
	m.deps.Meta.PersistSync(m.idsLocked())
	m.logger.Info("session registered", "session_id", id)
	return true, nil
}

// Unregister removes id, closing any live connection. Credentials are kept.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	c := s.conn
	m.removeLocked(s)
	m.deps.Meta.PersistSync(m.idsLocked())
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	m.logger.Info("session unregistered", "session_id", id)
	return nil
}

// Start connects id, registering it first if needed. Concurrent calls for the
// same id share one factory call. An attached connection is returned as is.
func (m *Manager) Start(ctx context.Context, id string) (conn.Conn, error) {
	if !credstore.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", credstore.ErrInvalidID, id)
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		s = m.addLocked(id)
		m.deps.Meta.PersistSync(m.idsLocked())
	}
	if c := s.conn; c != nil {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	return m.startShared(ctx, id, false)
}

func (m *Manager) startShared(ctx context.Context, id string, retry bool) (conn.Conn, error) {
	ch := m.starts.DoChan(id, func() (any, error) {
		return m.start(m.ctx, id, retry)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(conn.Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) start(ctx context.Context, id string, retry bool) (conn.Conn, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.deleted {
		m.mu.Unlock()
		return nil, ErrSessionDeleted
	}
	if s.conn != nil {
		c := s.conn
		m.mu.Unlock()
		return c, nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.restarting = false
	s.status = StatusStarting
	m.mu.Unlock()

	if err := m.limiter.Acquire(ctx, 1); err != nil {
		m.startFailed(s, retry)
		return nil, err
	}
	// The slot is held for the stagger delay after the factory returns, so
	// bursts of starts are spread out without blocking this caller.
	defer time.AfterFunc(m.startDelay, func() { m.limiter.Release(1) })

	c, err := m.deps.Factory.Create(ctx, id)
	if err != nil {
		if ce, ok := conn.AsCloseError(err); ok && ce.Info.Permanent() {
			m.deletePermanent(s, ce.Info)
		} else {
			m.startFailed(s, retry)
		}
		return nil, fmt.Errorf("start session %s: %w", id, err)
	}

	m.mu.Lock()
	if m.sessions[id] != s || s.deleted {
		m.mu.Unlock()
		_ = c.Close()
		return nil, ErrSessionDeleted
	}
	if err := m.ctx.Err(); err != nil {
		// Close has begun and will not see this connection.
		s.status = StatusStopped
		m.mu.Unlock()
		_ = c.Close()
		return nil, err
	}
	s.conn = c
	s.status = StatusConnected
	m.deps.Meta.PersistAsync(m.idsLocked())
	m.wg.Add(1)
	go m.watch(s, c)
	m.mu.Unlock()

	m.logger.Info("session started", "session_id", id)
	m.publishStatus(id, StatusConnected)
	return c, nil
}

// startFailed rolls status back after a failed attempt. A reconnect attempt
// stays reconnecting so the caller can reschedule it.
func (m *Manager) startFailed(s *Session, retry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.conn != nil || s.status != StatusStarting {
		return
	}
	if retry {
		s.status = StatusReconnecting
	} else {
		s.status = StatusStopped
	}
}

// StartAll starts every registered session, concurrency at a time. Failures
// are collected per id and do not abort the batch.
func (m *Manager) StartAll(ctx context.Context) map[string]error {
	m.mu.Lock()
	ids := m.idsLocked()
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs = make(map[string]error)
	)
	for chunk := range slices.Chunk(ids, m.concurrency) {
		var g errgroup.Group
		for _, id := range chunk {
			g.Go(func() error {
				if _, err := m.Start(ctx, id); err != nil {
					m.logger.Warn("start failed", "session_id", id, "error", err)
					mu.Lock()
					errs[id] = err
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}
	return errs
}

// Stop closes id's connection and cancels any pending reconnect. Stored
// credentials are kept. It returns false when no connection was attached.
func (m *Manager) Stop(ctx context.Context, id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.restarting = false
	c := s.conn
	if c == nil {
		s.status = StatusStopped
		m.mu.Unlock()
		return false
	}
	s.conn = nil
	s.status = StatusStopping
	m.mu.Unlock()

	m.shutdown(ctx, id, c)

	m.mu.Lock()
	if s.status == StatusStopping {
		s.status = StatusStopped
	}
	m.mu.Unlock()
	m.logger.Info("session stopped", "session_id", id)
	m.publishStatus(id, StatusStopped)
	return true
}

// shutdown closes c gracefully. Connections that support it get a chance to
// drain; the rest are closed outright. Logout is never used here, since it
// revokes the credentials a stop must keep.
func (m *Manager) shutdown(ctx context.Context, id string, c conn.Conn) {
	if g, ok := c.(interface{ Shutdown(context.Context) error }); ok {
		if err := g.Shutdown(ctx); err != nil {
			m.logger.Debug("graceful shutdown failed", "session_id", id, "error", err)
		}
	}
	if err := c.Close(); err != nil {
		m.logger.Debug("close failed", "session_id", id, "error", err)
	}
}

// Logout ends id for good: the upstream session is logged out, and local
// credentials, cached metadata and settings are deleted.
func (m *Manager) Logout(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	c := s.conn
	m.removeLocked(s)
	m.mu.Unlock()

	if c != nil {
		if err := c.Logout(ctx); err != nil {
			m.logger.Warn("logout failed", "session_id", id, "error", err)
		}
		_ = c.Close()
	}

	m.purge(ctx, id)

	m.mu.Lock()
	m.deps.Meta.PersistSync(m.idsLocked())
	m.mu.Unlock()

	m.publish(eventbus.SessionLoggedOut, map[string]string{"session_id": id})
	m.logger.Info("session logged out", "session_id", id)
	return nil
}

// purge deletes everything stored on behalf of id.
func (m *Manager) purge(ctx context.Context, id string) {
	if m.deps.Creds != nil {
		if err := m.deps.Creds.Delete(id); err != nil {
			m.logger.Warn("delete credentials failed", "session_id", id, "error", err)
		}
	}
	if m.deps.Cache != nil {
		m.deps.Cache.Drop(id)
	}
	if m.deps.KV != nil {
		if err := m.deps.KV.DeleteTenant(ctx, id); err != nil {
			m.logger.Warn("delete tenant settings failed", "session_id", id, "error", err)
		}
	}
}

// IsRunning reports whether id has a live connection attached.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return ok && s.conn != nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// List returns a snapshot of every session in registry order.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].info())
	}
	return out
}

// StopAll stops every running session.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := m.idsLocked()
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Stop(ctx, id)
		}()
	}
	wg.Wait()
}

// Close cancels pending reconnects and in-flight starts, stops every
// connection and waits for the manager's goroutines.
func (m *Manager) Close(ctx context.Context) {
	m.cancel()
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
	m.mu.Unlock()
	m.StopAll(ctx)
	m.wg.Wait()
	m.deps.Meta.Wait()
}

// watch consumes c's events until the channel closes. It is the only
// goroutine that reacts to c, so one session's transitions are serial.
func (m *Manager) watch(s *Session, c conn.Conn) {
	defer m.wg.Done()
	logger := m.logger.With("session_id", s.ID)

	closed := false
	for ev := range c.Events() {
		switch ev.Kind {
		case conn.EventOpen:
			m.onOpen(s, c)
		case conn.EventClose:
			closed = true
			info := conn.CloseInfo{}
			if ev.Close != nil {
				info = *ev.Close
			}
			m.onClose(s, c, info)
		case conn.EventConnectionUpdate:
			m.publish(eventbus.SessionConnectionUpdate, map[string]any{
				"session_id": s.ID,
				"update":     ev.Update,
			})
		case conn.EventCredentials:
			if m.deps.Creds == nil || !m.attached(s, c) {
				continue
			}
			if err := m.deps.Creds.Save(s.ID, ev.Credentials); err != nil {
				logger.Error("save credentials failed", "error", err)
			}
		default:
			if m.deps.Events != nil && m.attached(s, c) {
				m.deps.Events.HandleEvent(m.ctx, s.ID, c, ev)
			}
		}
	}
	if !closed {
		m.onClose(s, c, conn.CloseInfo{Reason: "event stream ended"})
	}
}

func (m *Manager) attached(s *Session, c conn.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !s.deleted && s.conn == c
}

func (m *Manager) onOpen(s *Session, c conn.Conn) {
	m.mu.Lock()
	if m.sessions[s.ID] != s || s.deleted || s.conn != c {
		m.mu.Unlock()
		return
	}
	s.status = StatusConnected
	s.backoff = m.policy.Reset()
	s.restarting = false
	m.mu.Unlock()

	m.logger.Info("session connected", "session_id", s.ID)
	m.publish(eventbus.SessionConnected, map[string]string{"session_id": s.ID})

	if m.deps.Cache == nil {
		return
	}
	self := c.Self()
	store := m.deps.Cache.Tenant(s.ID)
	store.SetSelf(self.ID, self.LID)

	// The event goroutine must not wait on the network.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		n, err := store.PrefetchAll(m.ctx, c.FetchAllGroups)
		if err != nil {
			m.logger.Debug("group prefetch failed", "session_id", s.ID, "error", err)
			return
		}
		m.logger.Debug("group prefetch done", "session_id", s.ID, "count", n)
	}()
}

func (m *Manager) onClose(s *Session, c conn.Conn, info conn.CloseInfo) {
	m.mu.Lock()
	if m.sessions[s.ID] != s || s.deleted || s.conn != c {
		// Stopped, replaced or removed already.
		m.mu.Unlock()
		return
	}
	if info.Permanent() {
		m.mu.Unlock()
		m.deletePermanent(s, info)
		return
	}
	if s.restarting {
		m.mu.Unlock()
		return
	}
	s.conn = nil
	delay := m.scheduleLocked(s)
	m.mu.Unlock()

	m.logger.Warn("connection lost, reconnecting", "session_id", s.ID, "reason", info.String(), "delay", delay)
	m.publishStatus(s.ID, StatusReconnecting)
}

// scheduleLocked moves s to reconnecting and arms its reconnect timer with
// the current backoff, advancing the backoff for the next failure.
func (m *Manager) scheduleLocked(s *Session) time.Duration {
	delay := s.backoff
	if delay <= 0 {
		delay = m.policy.Reset()
	}
	s.backoff = m.policy.Next(delay)
	s.restarting = true
	s.status = StatusReconnecting

	t := newReconnectTimer()
	s.timer = t
	t.start(delay, &m.wg, func() { m.reconnect(s, t) })
	return delay
}

func (m *Manager) reconnect(s *Session, t *reconnectTimer) {
	m.mu.Lock()
	if m.sessions[s.ID] != s || s.deleted || s.timer != t {
		m.mu.Unlock()
		return
	}
	s.timer = nil
	m.mu.Unlock()

	_, err := m.startShared(m.ctx, s.ID, true)
	if err == nil || errors.Is(err, ErrSessionDeleted) || m.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// A stop, start, removal or permanent close during the attempt takes precedence.
	if m.sessions[s.ID] != s || s.deleted || s.conn != nil || s.timer != nil || s.status != StatusReconnecting {
		return
	}
	s.restarting = false
	delay := m.scheduleLocked(s)
	m.logger.Warn("reconnect failed", "session_id", s.ID, "error", err, "delay", delay)
}

// deletePermanent removes a session whose authorization was revoked.
func (m *Manager) deletePermanent(s *Session, info conn.CloseInfo) {
	m.mu.Lock()
	if m.sessions[s.ID] != s || s.deleted {
		m.mu.Unlock()
		return
	}
	m.removeLocked(s)
	m.deps.Meta.PersistSync(m.idsLocked())
	m.mu.Unlock()

	if m.deps.Creds != nil {
		if err := m.deps.Creds.Delete(s.ID); err != nil {
			m.logger.Warn("delete credentials failed", "session_id", s.ID, "error", err)
		}
	}
	if m.deps.Cache != nil {
		m.deps.Cache.Drop(s.ID)
	}

	m.logger.Warn("session deleted after permanent close", "session_id", s.ID, "reason", info.String())
	m.publish(eventbus.SessionDeleted, map[string]any{
		"session_id":  s.ID,
		"reason":      info.Reason,
		"status_code": info.StatusCode,
	})
}

func (m *Manager) addLocked(id string) *Session {
	s := &Session{
		ID:      id,
		status:  StatusStopped,
		backoff: m.policy.Reset(),
	}
	m.sessions[id] = s
	m.order = append(m.order, id)
	return s
}

// removeLocked tombstones s and takes it out of the registry.
func (m *Manager) removeLocked(s *Session) {
	s.deleted = true
	s.conn = nil
	s.restarting = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	delete(m.sessions, s.ID)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == s.ID })
}

func (m *Manager) idsLocked() []string {
	return slices.Clone(m.order)
}

func (m *Manager) publish(eventType string, data any) {
	if m.deps.Bus != nil {
		m.deps.Bus.PublishType(eventType, data)
	}
}

func (m *Manager) publishStatus(id string, status Status) {
	m.publish(eventbus.SessionStatus, map[string]string{"session_id": id, "status": string(status)})
}
