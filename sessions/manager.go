package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/tool-gateway/internal/metrics"
)

const (
	DefaultGraceWindow   = 45 * time.Second
	DefaultIdleTTL       = 24 * time.Hour
	DefaultSweepInterval = 15 * time.Second
)

var errStillLive = errors.New("session still live")

// Manager owns the session lifecycle.
type Manager struct {
	host       Host
	grace      time.Duration
	idleTTL    time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	log        *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Manager)

func WithGraceWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

func WithIdleTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTTL = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(host Host, opts ...Option) *Manager {
	m := &Manager{
		host:       host,
		grace:      DefaultGraceWindow,
		idleTTL:    DefaultIdleTTL,
		sweepEvery: DefaultSweepInterval,
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GraceWindow reports the configured grace window.
func (m *Manager) GraceWindow() time.Duration { return m.grace }

// stamp recomputes ExpiresAt from the transport state.
func (m *Manager) stamp(s *Session) {
	switch s.TransportState {
	case StateDisconnected:
		s.ExpiresAt = s.DisconnectedAt.Add(m.grace)
	default:
		s.ExpiresAt = s.LastActivityAt.Add(m.idleTTL)
	}
}

// Create starts a new session for userID.
func (m *Manager) Create(ctx context.Context, userID, identity, protocolVersion string, client ClientInfo) (Session, error) {
	now := m.now().UTC()
	s := Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		Identity:        identity,
		ProtocolVersion: protocolVersion,
		Client:          client,
		EstablishedAt:   now,
		LastActivityAt:  now,
		TransportState:  StateConnected,
	}
	m.stamp(&s)
	if err := m.host.CreateSession(ctx, s); err != nil {
		m.log.ErrorContext(ctx, "session.create.fail", slog.String("user", userID), slog.String("err", err.Error()))
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	m.log.InfoContext(ctx, "session.create.ok", slog.String("session", s.ID), slog.String("user", userID), slog.String("client", client.Name))
	return s, nil
}

// Resume returns the live session bound to identity and marks it as
// reconnected. ErrSessionNotFound means there is none within its window and
// the caller should create a new one.
func (m *Manager) Resume(ctx context.Context, userID, identity string) (Session, error) {
	if identity == "" {
		return Session{}, ErrSessionNotFound
	}
	found, err := m.host.FindByIdentity(ctx, identity)
	if err != nil {
		return Session{}, err
	}
	if found.UserID != userID {
		return Session{}, ErrSessionNotFound
	}
	s, err := m.touch(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	m.metrics.SessionResumed()
	m.log.InfoContext(ctx, "session.resume.ok", slog.String("session", s.ID), slog.String("user", userID))
	return s, nil
}

// Load returns the session when it exists, is live and belongs to userID.
func (m *Manager) Load(ctx context.Context, id, userID string) (Session, error) {
	s, err := m.host.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.UserID != userID || !s.Live(m.now()) {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// Touch records activity on a session loaded for userID. A disconnected
// session inside its grace window is reconnected.
func (m *Manager) Touch(ctx context.Context, id, userID string) (Session, error) {
	if _, err := m.Load(ctx, id, userID); err != nil {
		return Session{}, err
	}
	return m.touch(ctx, id)
}

func (m *Manager) touch(ctx context.Context, id string) (Session, error) {
	return m.update(ctx, id, func(s *Session, now time.Time) error {
		s.LastActivityAt = now
		if s.TransportState == StateDisconnected {
			s.TransportState = StateConnected
			s.DisconnectedAt = time.Time{}
		}
		return nil
	})
}

// Attach registers an opened event stream.
func (m *Manager) Attach(ctx context.Context, id, userID string) (Session, error) {
	if _, err := m.Load(ctx, id, userID); err != nil {
		return Session{}, err
	}
	s, err := m.update(ctx, id, func(s *Session, now time.Time) error {
		s.Streams++
		s.TransportState = StateConnected
		s.DisconnectedAt = time.Time{}
		s.LastActivityAt = now
		return nil
	})
	if err == nil {
		m.log.DebugContext(ctx, "session.attach.ok", slog.String("session", id), slog.Int("streams", s.Streams))
	}
	return s, err
}

// Detach unregisters a closed event stream. Closing the last stream starts
// the grace window.
func (m *Manager) Detach(ctx context.Context, id string) error {
	s, err := m.update(context.WithoutCancel(ctx), id, func(s *Session, now time.Time) error {
		if s.Streams > 0 {
			s.Streams--
		}
		if s.Streams == 0 {
			s.TransportState = StateDisconnected
			s.DisconnectedAt = now
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if s.TransportState == StateDisconnected {
		m.log.InfoContext(ctx, "session.disconnect", slog.String("session", id), slog.Time("grace_until", s.ExpiresAt))
	}
	return nil
}

// SetAttribute stores conversation-scoped state on the session. An empty
// value removes the attribute.
func (m *Manager) SetAttribute(ctx context.Context, id, key, value string) (Session, error) {
	return m.update(ctx, id, func(s *Session, now time.Time) error {
		if value == "" {
			delete(s.Attributes, key)
			return nil
		}
		if s.Attributes == nil {
			s.Attributes = make(map[string]string)
		}
		s.Attributes[key] = value
		return nil
	})
}

// Expire ends a session immediately.
func (m *Manager) Expire(ctx context.Context, id string) error {
	if err := m.host.DeleteSession(context.WithoutCancel(ctx), id); err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	m.metrics.SessionExpired("client")
	m.log.InfoContext(ctx, "session.expire.ok", slog.String("session", id))
	return nil
}

// Sweep deletes every session past its grace window or idle TTL and reports
// how many it removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	idle, err := m.host.ListIdle(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}
	removed := 0
	var errs []error
	for _, cand := range idle {
		var reason string
		_, err := m.host.UpdateSession(ctx, cand.ID, func(s *Session) error {
			if s.TransportState != StateExpired && s.ExpiresAt.After(now) {
				return errStillLive
			}
			reason = "idle"
			if s.TransportState == StateDisconnected {
				reason = "grace"
			}
			s.TransportState = StateExpired
			return nil
		})
		switch {
		case errors.Is(err, errStillLive), errors.Is(err, ErrSessionNotFound):
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}
		if err := m.host.DeleteSession(ctx, cand.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		m.metrics.SessionExpired(reason)
		m.log.InfoContext(ctx, "session.sweep.expired", slog.String("session", cand.ID), slog.String("reason", reason))
	}
	return removed, errors.Join(errs...)
}

// Run sweeps on a ticker until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			start := time.Now()
			n, err := m.Sweep(ctx)
			if err != nil {
				m.log.WarnContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
			}
			if n > 0 {
				m.log.DebugContext(ctx, "session.sweep.ok", slog.Int("removed", n), slog.Duration("dur", time.Since(start)))
			}
		}
	}
}

// Notify publishes an out-of-band event to the session's event stream.
func (m *Manager) Notify(ctx context.Context, id string, ev Event) error {
	if ev.Type == "" {
		ev.Type = EventMessage
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := m.host.PublishEvent(ctx, id, b); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe delivers the session's events until ctx ends or fn fails.
func (m *Manager) Subscribe(ctx context.Context, id string, fn func(ctx context.Context, ev Event) error) error {
	return m.host.SubscribeEvents(ctx, id, func(ctx context.Context, eventID string, data []byte) error {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			m.log.WarnContext(ctx, "session.event.decode.fail", slog.String("session", id), slog.String("err", err.Error()))
			return nil
		}
		ev.ID = eventID
		return fn(ctx, ev)
	})
}

func (m *Manager) update(ctx context.Context, id string, fn func(s *Session, now time.Time) error) (Session, error) {
	return m.host.UpdateSession(ctx, id, func(s *Session) error {
		now := m.now().UTC()
		if !s.Live(now) {
			return ErrSessionNotFound
		}
		if err := fn(s, now); err != nil {
			return err
		}
		m.stamp(s)
		return nil
	})
}

// Handle is a session bound to the Manager for the duration of one request.
// Attribute reads come from the loaded record; writes go through the Manager.
type Handle struct {
	m  *Manager
	mu sync.RWMutex
	s  Session
}

// Handle wraps s.
func (m *Manager) Handle(s Session) *Handle {
	return &Handle{m: m, s: s.Clone()}
}

func (h *Handle) ID() string { return h.s.ID }

func (h *Handle) UserID() string { return h.s.UserID }

func (h *Handle) Session() Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s.Clone()
}

func (h *Handle) Attribute(key string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s.Attributes[key]
}

func (h *Handle) SetAttribute(ctx context.Context, key, value string) error {
	s, err := h.m.SetAttribute(ctx, h.s.ID, key, value)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
	return nil
}
