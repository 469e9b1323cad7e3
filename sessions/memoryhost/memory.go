package memoryhost

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/tool-gateway/sessions"
)

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu         sync.RWMutex
	sessions   map[string]sessions.Session
	byIdentity map[string]string

	evMu    sync.Mutex
	subs    map[string]map[*subscription]struct{}
	counter atomic.Int64
}

type subscription struct {
	ch chan event
}

type event struct {
	id   string
	data []byte
}

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

func New() *Host {
	return &Host{
		sessions:   make(map[string]sessions.Session),
		byIdentity: make(map[string]string),
		subs:       make(map[string]map[*subscription]struct{}),
	}
}

func (h *Host) CreateSession(ctx context.Context, s sessions.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; ok {
		return sessions.ErrSessionExists
	}
	h.sessions[s.ID] = s.Clone()
	if s.Identity != "" {
		h.byIdentity[s.Identity] = s.ID
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, id string) (sessions.Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (h *Host) UpdateSession(ctx context.Context, id string, fn func(*sessions.Session) error) (sessions.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.sessions[id]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return sessions.Session{}, err
	}
	next.ID = id
	h.sessions[id] = next
	return next.Clone(), nil
}

func (h *Host) DeleteSession(ctx context.Context, id string) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
		if h.byIdentity[s.Identity] == id {
			delete(h.byIdentity, s.Identity)
		}
	}
	h.mu.Unlock()

	h.evMu.Lock()
	subs := h.subs[id]
	delete(h.subs, id)
	h.evMu.Unlock()
	for sub := range subs {
		close(sub.ch)
	}
	return nil
}

func (h *Host) FindByIdentity(ctx context.Context, identity string) (sessions.Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byIdentity[identity]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	s, ok := h.sessions[id]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (h *Host) ListIdle(ctx context.Context, before time.Time) ([]sessions.Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []sessions.Session
	for _, s := range h.sessions {
		if !s.ExpiresAt.After(before) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (h *Host) PublishEvent(ctx context.Context, sessionID string, data []byte) (string, error) {
	ev := event{id: strconv.FormatInt(h.counter.Add(1), 10), data: append([]byte(nil), data...)}
	h.evMu.Lock()
	defer h.evMu.Unlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return ev.id, nil
}

// SubscribeEvents returns nil when the session is deleted.
func (h *Host) SubscribeEvents(ctx context.Context, sessionID string, handler sessions.EventHandler) error {
	sub := &subscription{ch: make(chan event, subscriberBuffer)}
	h.evMu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.evMu.Unlock()

	defer func() {
		h.evMu.Lock()
		if set, ok := h.subs[sessionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
		h.evMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, ev.id, ev.data); err != nil {
				return err
			}
		}
	}
}

var _ sessions.Host = (*Host)(nil)
