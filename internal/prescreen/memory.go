package prescreen

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/trial-prescreen-server/internal/domain"
)

// MemoryStateStore keeps conversation state in process memory. States are
// stored encoded so callers never share a pointer with the store.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStateStore returns an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string][]byte)}
}

// Load returns the stored state or a fresh idle one.
func (m *MemoryStateStore) Load(_ context.Context, sessionID string) (*domain.ConversationState, error) {
	m.mu.RLock()
	data, ok := m.states[sessionID]
	m.mu.RUnlock()
	if !ok {
		return domain.NewConversationState(sessionID), nil
	}
	return domain.DecodeConversationState(data)
}

func (m *MemoryStateStore) Save(_ context.Context, state *domain.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding conversation state: %w", err)
	}
	m.mu.Lock()
	m.states[state.SessionID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStateStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.states, sessionID)
	m.mu.Unlock()
	return nil
}

// LocalTurnLocker serializes turns per session inside one process. A slot is
// dropped once no turn holds or waits for it.
type LocalTurnLocker struct {
	mu    sync.Mutex
	slots map[string]*turnSlot
}

type turnSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalTurnLocker returns a process-local turn locker.
func NewLocalTurnLocker() *LocalTurnLocker {
	return &LocalTurnLocker{slots: make(map[string]*turnSlot)}
}

// Acquire waits for the session's slot or for ctx to end.
func (l *LocalTurnLocker) Acquire(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[sessionID]
	if !ok {
		slot = &turnSlot{ch: make(chan struct{}, 1)}
		l.slots[sessionID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.unref(sessionID, slot)
			})
		}, nil
	case <-ctx.Done():
		l.unref(sessionID, slot)
		return nil, ctx.Err()
	}
}

func (l *LocalTurnLocker) unref(sessionID string, slot *turnSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 && l.slots[sessionID] == slot {
		delete(l.slots, sessionID)
	}
}
