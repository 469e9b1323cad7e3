// Package sessionhosttest is a conformance suite for sessions.Host
// implementations.
package sessionhosttest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/tool-gateway/sessions"
)

// HostFactory creates a new, empty Host for one subtest.
type HostFactory func(t *testing.T) sessions.Host

// RunSessionHostTests runs the complete Host test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Records_CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("Records_DuplicateCreateFails", func(t *testing.T) { testDuplicateCreate(t, factory) })
	t.Run("Records_GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Records_UpdateAppliesAndPersists", func(t *testing.T) { testUpdate(t, factory) })
	t.Run("Records_UpdateErrorAborts", func(t *testing.T) { testUpdateErrorAborts(t, factory) })
	t.Run("Records_ConcurrentUpdatesAreAtomic", func(t *testing.T) { testConcurrentUpdates(t, factory) })
	t.Run("Records_DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("Identity_FindNewestSession", func(t *testing.T) { testFindByIdentity(t, factory) })
	t.Run("Identity_DeleteOlderKeepsNewerIndex", func(t *testing.T) { testIdentityReassignment(t, factory) })
	t.Run("Sweep_ListIdleFiltersByExpiry", func(t *testing.T) { testListIdle(t, factory) })

	t.Run("Events_FanOut_AllSubscribersReceiveAllFuture", func(t *testing.T) { testEventsFanOut(t, factory) })
	t.Run("Events_LateSubscriberOnlySeesLaterEvents", func(t *testing.T) { testEventsLateSubscriber(t, factory) })
	t.Run("Events_IsolationBetweenSessions", func(t *testing.T) { testEventsIsolation(t, factory) })
	t.Run("Events_HandlerErrorStopsSubscription", func(t *testing.T) { testEventsHandlerError(t, factory) })
	t.Run("Events_CancellationStopsSubscription", func(t *testing.T) { testEventsCancellation(t, factory) })
	t.Run("Events_DeleteEndsSubscription", func(t *testing.T) { testEventsDeleteEnds(t, factory) })
}

func newSession(id, identity string, expires time.Time) sessions.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return sessions.Session{
		ID:              id,
		UserID:          "user-1",
		Identity:        identity,
		ProtocolVersion: "2025-06-18",
		Client:          sessions.ClientInfo{Name: "test-client", Version: "1.0"},
		EstablishedAt:   now,
		LastActivityAt:  now,
		TransportState:  sessions.StateConnected,
		ExpiresAt:       expires.UTC().Truncate(time.Millisecond),
	}
}

func testCtx(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// --- Records ---

func testCreateAndGet(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 5*time.Second)

	s := newSession("sess-1", "ident-1", time.Now().Add(time.Hour))
	s.Attributes = map[string]string{"memory.project": "alpha"}
	if err := h.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := h.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != s.UserID || got.Identity != s.Identity || got.Client != s.Client {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.ExpiresAt.Equal(s.ExpiresAt) || !got.EstablishedAt.Equal(s.EstablishedAt) {
		t.Fatalf("timestamps mismatch: got %v/%v want %v/%v", got.ExpiresAt, got.EstablishedAt, s.ExpiresAt, s.EstablishedAt)
	}
	if got.Attributes["memory.project"] != "alpha" {
		t.Fatalf("attributes lost: %+v", got.Attributes)
	}

	// Mutating the returned copy must not leak into the store.
	got.Attributes["memory.project"] = "beta"
	again, err := h.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Attributes["memory.project"] != "alpha" {
		t.Fatalf("stored record aliased caller copy")
	}
}

func testDuplicateCreate(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 5*time.Second)
	s := newSession("dup", "", time.Now().Add(time.Hour))
	if err := h.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.CreateSession(ctx, s); !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func testGetMissing(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 5*time.Second)
	if _, err := h.GetSession(ctx, "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	_, err := h.UpdateSession(ctx, "nope", func(*sessions.Session) error { return nil })
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("update missing: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.FindByIdentity(ctx, "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("find missing: expected ErrSessionNotFound, got %v", err)
	}
}

func testUpdate(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 5*time.Second)
	s := newSession("upd", "", time.Now().Add(time.Hour))
	if err := h.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	later := s.ExpiresAt.Add(time.Hour)
	out, err := h.UpdateSession(ctx, "upd", func(s *sessions.Session) error {
		s.Streams = 2
		s.ExpiresAt = later
		if s.Attributes == nil {
			s.Attributes = map[string]string{}
		}
		s.Attributes["k"] = "v"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if out.Streams != 2 || out.Attributes["k"] != "v" {
		t.Fatalf("update result mismatch: %+v", out)
	}
	got, err := h.GetSession(ctx, "upd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Streams != 2 || !got.ExpiresAt.Equal(later) || got.Attributes["k"] != "v" {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func testUpdateErrorAborts(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 5*time.Second)
	s := newSession("abort", "", time.Now().Add(time.Hour))
	if err := h.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	_, err := h.UpdateSession(ctx, "abort", func(s *sessions.Session) error {
		s.Streams = 9
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	got, err := h.GetSession(ctx, "abort")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Streams != 0 {
		t.Fatalf("aborted update was stored: %+v", got)
	}
}

func testConcurrentUpdates(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 10*time.Second)
	s := newSession("conc", "", time.Now().Add(time.Hour))
	if err := h.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := h.UpdateSession(ctx, "conc", func(s *sessions.Session) error {
					s.Streams++
					return nil
				}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent update: %v", err)
	}
	got, err := h.GetSession(ctx, "conc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Streams != workers*perWorker {
		t.Fatalf("lost updates: got %d want %d", got.Streams, workers*perWorker)
	}
}

func testDeleteIdempotent(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 5*time.Second)
	s := newSession("del", "ident-del", time.Now().Add(time.Hour))
	if err := h.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.DeleteSession(ctx, "del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := h.DeleteSession(ctx, "del"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := h.GetSession(ctx, "del"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := h.FindByIdentity(ctx, "ident-del"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("identity index survived delete: %v", err)
	}
}

// --- Identity ---

func testFindByIdentity(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 5*time.Second)
	first := newSession("id-a", "shared", time.Now().Add(time.Hour))
	second := newSession("id-b", "shared", time.Now().Add(time.Hour))
	other := newSession("id-c", "other", time.Now().Add(time.Hour))
	for _, s := range []sessions.Session{first, second, other} {
		if err := h.CreateSession(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}
	got, err := h.FindByIdentity(ctx, "shared")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "id-b" {
		t.Fatalf("expected newest session id-b, got %s", got.ID)
	}
	got, err = h.FindByIdentity(ctx, "other")
	if err != nil || got.ID != "id-c" {
		t.Fatalf("find other: %v %+v", err, got)
	}
}

func testIdentityReassignment(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 5*time.Second)
	older := newSession("old", "shared", time.Now().Add(time.Hour))
	newer := newSession("new", "shared", time.Now().Add(time.Hour))
	if err := h.CreateSession(ctx, older); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := h.CreateSession(ctx, newer); err != nil {
		t.Fatalf("create new: %v", err)
	}
	if err := h.DeleteSession(ctx, "old"); err != nil {
		t.Fatalf("delete old: %v", err)
	}
	got, err := h.FindByIdentity(ctx, "shared")
	if err != nil {
		t.Fatalf("find after deleting older: %v", err)
	}
	if got.ID != "new" {
		t.Fatalf("expected identity to still resolve to new, got %s", got.ID)
	}
}

// --- Sweep support ---

func testListIdle(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 5*time.Second)
	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, s := range []sessions.Session{
		newSession("past", "", now.Add(-time.Minute)),
		newSession("edge", "", now),
		newSession("future", "", now.Add(time.Minute)),
	} {
		if err := h.CreateSession(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}
	idle, err := h.ListIdle(ctx, now)
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	ids := map[string]bool{}
	for _, s := range idle {
		ids[s.ID] = true
	}
	if len(ids) != 2 || !ids["past"] || !ids["edge"] {
		t.Fatalf("expected past and edge, got %v", ids)
	}

	// Pushing expiry forward through UpdateSession must take a session off the list.
	if _, err := h.UpdateSession(ctx, "past", func(s *sessions.Session) error {
		s.ExpiresAt = now.Add(time.Hour)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := h.DeleteSession(ctx, "edge"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	idle, err = h.ListIdle(ctx, now)
	if err != nil {
		t.Fatalf("list idle again: %v", err)
	}
	if len(idle) != 0 {
		t.Fatalf("expected no idle sessions, got %d", len(idle))
	}
}

// --- Events ---

type recorder struct {
	mu     sync.Mutex
	events []string
	ready  chan struct{}
	once   sync.Once
}

func newRecorder() *recorder { return &recorder{ready: make(chan struct{})} }

func (r *recorder) handle(ctx context.Context, id string, data []byte) error {
	if string(data) == "sync-marker" {
		r.once.Do(func() { close(r.ready) })
		return nil
	}
	r.mu.Lock()
	r.events = append(r.events, string(data))
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// subscribe starts a subscription and waits until it has observed a sync marker
// event, so later publishes are guaranteed to be in its future.
func subscribe(t *testing.T, ctx context.Context, h sessions.Host, sessionID string, handler sessions.EventHandler, ready <-chan struct{}) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.SubscribeEvents(ctx, sessionID, handler) }()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := h.PublishEvent(ctx, sessionID, []byte("sync-marker")); err != nil {
			t.Fatalf("publish sync marker: %v", err)
		}
		select {
		case <-ready:
			return done
		case err := <-done:
			t.Fatalf("subscription ended before ready: %v", err)
		case <-ctx.Done():
			t.Fatalf("subscription never became ready")
		case <-tick.C:
		}
	}
}

func waitFor(t *testing.T, ctx context.Context, cond func() bool) {
	t.Helper()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatalf("condition not met before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func mustCreate(t *testing.T, ctx context.Context, h sessions.Host, id string) {
	t.Helper()
	if err := h.CreateSession(ctx, newSession(id, "", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func testEventsFanOut(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 10*time.Second)
	mustCreate(t, ctx, h, "ev-1")

	r1, r2 := newRecorder(), newRecorder()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	subscribe(t, subCtx, h, "ev-1", r1.handle, r1.ready)
	subscribe(t, subCtx, h, "ev-1", r2.handle, r2.ready)

	const n = 5
	var ids []string
	for i := 0; i < n; i++ {
		id, err := h.PublishEvent(ctx, "ev-1", []byte(strconv.Itoa(i)))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if id == "" {
			t.Fatalf("publish %d returned empty event id", i)
		}
		ids = append(ids, id)
	}
	waitFor(t, ctx, func() bool { return len(r1.snapshot()) == n && len(r2.snapshot()) == n })

	for i, got := range [][]string{r1.snapshot(), r2.snapshot()} {
		for j := 0; j < n; j++ {
			if got[j] != strconv.Itoa(j) {
				t.Fatalf("subscriber %d ordering mismatch at %d: %v", i, j, got)
			}
		}
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate event id %s", id)
		}
		seen[id] = true
	}
}

func testEventsLateSubscriber(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 10*time.Second)
	mustCreate(t, ctx, h, "ev-2")

	early, late := newRecorder(), newRecorder()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	subscribe(t, subCtx, h, "ev-2", early.handle, early.ready)

	for i := 0; i < 3; i++ {
		if _, err := h.PublishEvent(ctx, "ev-2", []byte("A"+strconv.Itoa(i))); err != nil {
			t.Fatalf("publish pre %d: %v", i, err)
		}
	}
	waitFor(t, ctx, func() bool { return len(early.snapshot()) == 3 })

	subscribe(t, subCtx, h, "ev-2", late.handle, late.ready)
	for i := 0; i < 4; i++ {
		if _, err := h.PublishEvent(ctx, "ev-2", []byte("B"+strconv.Itoa(i))); err != nil {
			t.Fatalf("publish post %d: %v", i, err)
		}
	}
	waitFor(t, ctx, func() bool { return len(early.snapshot()) == 7 && len(late.snapshot()) == 4 })
	for _, ev := range late.snapshot() {
		if ev[0] != 'B' {
			t.Fatalf("late subscriber saw earlier event %q", ev)
		}
	}
}

func testEventsIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 10*time.Second)
	mustCreate(t, ctx, h, "iso-a")
	mustCreate(t, ctx, h, "iso-b")

	ra, rb := newRecorder(), newRecorder()
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	subscribe(t, subCtx, h, "iso-a", ra.handle, ra.ready)
	subscribe(t, subCtx, h, "iso-b", rb.handle, rb.ready)

	if _, err := h.PublishEvent(ctx, "iso-a", []byte("for-a")); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if _, err := h.PublishEvent(ctx, "iso-b", []byte("for-b")); err != nil {
		t.Fatalf("publish b: %v", err)
	}
	waitFor(t, ctx, func() bool { return len(ra.snapshot()) == 1 && len(rb.snapshot()) == 1 })
	if ra.snapshot()[0] != "for-a" || rb.snapshot()[0] != "for-b" {
		t.Fatalf("cross-session delivery: a=%v b=%v", ra.snapshot(), rb.snapshot())
	}
}

func testEventsHandlerError(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 10*time.Second)
	mustCreate(t, ctx, h, "ev-3")

	boom := errors.New("handler boom")
	ready := make(chan struct{})
	var once sync.Once
	handler := func(ctx context.Context, id string, data []byte) error {
		if string(data) == "sync-marker" {
			once.Do(func() { close(ready) })
			return nil
		}
		return boom
	}
	done := subscribe(t, ctx, h, "ev-3", handler, ready)
	if _, err := h.PublishEvent(ctx, "ev-3", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("subscription did not stop after handler error")
	}
}

func testEventsCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 10*time.Second)
	mustCreate(t, ctx, h, "ev-4")

	r := newRecorder()
	subCtx, cancel := context.WithCancel(ctx)
	done := subscribe(t, subCtx, h, "ev-4", r.handle, r.ready)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("subscription ignored cancellation")
	}
}

func testEventsDeleteEnds(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := testCtx(t, 10*time.Second)
	mustCreate(t, ctx, h, "ev-5")

	r := newRecorder()
	done := subscribe(t, ctx, h, "ev-5", r.handle, r.ready)
	if err := h.DeleteSession(ctx, "ev-5"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean end after delete, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("subscription outlived its session")
	}
}
