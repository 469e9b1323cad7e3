package oauthserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryFlows bounds the number of flows a MemoryFlowStore retains.
const DefaultMemoryFlows = 10000

var _ FlowStore = (*MemoryFlowStore)(nil)

// MemoryFlowStore keeps flows in a bounded LRU cache. It suits a single
// replica; the oldest flows are evicted first when the bound is reached.
type MemoryFlowStore struct {
	mu    sync.Mutex
	flows *lru.Cache[string, Flow]
	codes *lru.Cache[string, codeEntry]
	now   func() time.Time
}

type codeEntry struct {
	flowID    string
	expiresAt time.Time
}

// NewMemoryFlowStore creates a store holding at most maxFlows flows. A
// non-positive maxFlows uses DefaultMemoryFlows. now may be nil.
func NewMemoryFlowStore(maxFlows int, now func() time.Time) (*MemoryFlowStore, error) {
	if maxFlows <= 0 {
		maxFlows = DefaultMemoryFlows
	}
	if now == nil {
		now = time.Now
	}
	flows, err := lru.New[string, Flow](maxFlows)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow cache: %w", err)
	}
	codes, err := lru.New[string, codeEntry](maxFlows)
	if err != nil {
		return nil, fmt.Errorf("failed to create code cache: %w", err)
	}
	return &MemoryFlowStore{flows: flows, codes: codes, now: now}, nil
}

func (s *MemoryFlowStore) Create(ctx context.Context, f Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows.Get(f.ID); ok {
		return fmt.Errorf("oauthserver: flow %s already exists", f.ID)
	}
	s.flows.Add(f.ID, f)
	return nil
}

func (s *MemoryFlowStore) Get(ctx context.Context, id string) (Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *MemoryFlowStore) getLocked(id string) (Flow, error) {
	f, ok := s.flows.Get(id)
	if !ok {
		return Flow{}, ErrFlowNotFound
	}
	if f.expired(s.now()) {
		s.flows.Remove(id)
		return Flow{}, ErrFlowNotFound
	}
	return f, nil
}

func (s *MemoryFlowStore) Transition(ctx context.Context, id string, from State, update func(*Flow)) (Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.getLocked(id)
	if err != nil {
		return Flow{}, err
	}
	if f.State != from {
		return Flow{}, fmt.Errorf("%w: %s is %s, want %s", ErrFlowState, id, f.State, from)
	}
	prevCode := f.Code
	update(&f)
	f.ID = id
	s.flows.Add(id, f)
	if f.Code != "" && f.Code != prevCode {
		s.codes.Add(f.Code, codeEntry{flowID: id, expiresAt: f.ExpiresAt})
	}
	return f, nil
}

func (s *MemoryFlowStore) TakeCode(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.codes.Get(code)
	if !ok {
		return "", ErrFlowNotFound
	}
	s.codes.Remove(code)
	if !e.expiresAt.After(s.now()) {
		return "", ErrFlowNotFound
	}
	return e.flowID, nil
}
