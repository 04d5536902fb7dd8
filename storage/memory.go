package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"scmauthd/core"

	"github.com/google/uuid"
)

var errOutage = errors.New("memory store marked unavailable")

type memoryKey struct {
	userID   string
	provider core.Provider
}

// MemoryStore keeps tokens and grants in process memory. Values are copied
// on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[memoryKey]*core.Token
	grants map[memoryKey]*core.Grant

	unavailable atomic.Bool

	// Track method calls for verification
	GetCalls atomic.Int32
	PutCalls atomic.Int32
}

var _ Backend = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[memoryKey]*core.Token),
		grants: make(map[memoryKey]*core.Grant),
	}
}

// SetUnavailable makes every call fail with ErrStoreUnavailable, simulating an outage.
func (m *MemoryStore) SetUnavailable(down bool) {
	m.unavailable.Store(down)
}

func (m *MemoryStore) check(op string) error {
	if m.unavailable.Load() {
		return unavailable(op, errOutage)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string, provider core.Provider) (*core.Token, error) {
	m.GetCalls.Add(1)
	if err := m.check("get token"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.tokens[memoryKey{userID, provider}]
	if !ok {
		return nil, core.ErrNotFound
	}
	return token.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, token *core.Token) error {
	m.PutCalls.Add(1)
	if err := m.check("put token"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[memoryKey{token.UserID, token.Provider}] = token.Clone()
	return nil
}

func (m *MemoryStore) MarkValidated(ctx context.Context, userID string, provider core.Provider, id uuid.UUID, at time.Time) error {
	if err := m.check("mark token validated"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[memoryKey{userID, provider}]
	if !ok || token.ID != id {
		return core.ErrNotFound
	}
	validatedAt := at.UTC()
	token.LastValidatedAt = &validatedAt
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID string, provider core.Provider) error {
	if err := m.check("delete token"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, memoryKey{userID, provider})
	return nil
}

func (m *MemoryStore) DeleteAllForUser(ctx context.Context, userID string) error {
	if err := m.check("delete user tokens"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.tokens {
		if key.userID == userID {
			delete(m.tokens, key)
		}
	}
	for key := range m.grants {
		if key.userID == userID {
			delete(m.grants, key)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := m.check("delete expired tokens"); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, token := range m.tokens {
		if token.Expired(now) {
			delete(m.tokens, key)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) GetGrant(ctx context.Context, userID string, provider core.Provider) (*core.Grant, error) {
	if err := m.check("get grant"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	grant, ok := m.grants[memoryKey{userID, provider}]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneGrant(grant), nil
}

func (m *MemoryStore) PutGrant(ctx context.Context, grant *core.Grant) error {
	if err := m.check("put grant"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.grants[memoryKey{grant.UserID, grant.Provider}] = cloneGrant(grant)
	return nil
}

func (m *MemoryStore) DeleteGrant(ctx context.Context, userID string, provider core.Provider) error {
	if err := m.check("delete grant"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.grants, memoryKey{userID, provider})
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func cloneGrant(g *core.Grant) *core.Grant {
	clone := *g
	clone.Scopes = slices.Clone(g.Scopes)
	if g.Expiry != nil {
		expiry := *g.Expiry
		clone.Expiry = &expiry
	}
	return &clone
}
