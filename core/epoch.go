package core

import (
	"fmt"
	"sync"
)

var errDisconnected = fmt.Errorf("%w: integration disconnected during resolution", ErrConsentRequired)

// userEpochs orders the store writes of running resolutions against
// disconnects. A flight snapshots the epoch of its key when it starts and
// commits every write through that snapshot; a disconnect bumps the epoch,
// so writes of flights that started before it are refused.
type userEpochs struct {
	mu    sync.Mutex
	users map[string]*userEpoch
}

type userEpoch struct {
	sync.Mutex
	refs      int
	all       uint64
	providers map[Provider]uint64
}

type epochLease struct {
	epochs   *userEpochs
	userID   string
	provider Provider
	entry    *userEpoch
	all      uint64
	current  uint64
}

func newUserEpochs() *userEpochs {
	return &userEpochs{users: make(map[string]*userEpoch)}
}

func (e *userEpochs) acquire(userID string) *userEpoch {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.users[userID]
	if !ok {
		entry = &userEpoch{providers: make(map[Provider]uint64)}
		e.users[userID] = entry
	}
	entry.refs++
	return entry
}

// release drops the entry once nobody holds it; live leases keep their counters.
func (e *userEpochs) release(userID string, entry *userEpoch) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(e.users, userID)
	}
}

func (e *userEpochs) lease(userID string, provider Provider) *epochLease {
	entry := e.acquire(userID)
	entry.Lock()
	defer entry.Unlock()

	return &epochLease{
		epochs:   e,
		userID:   userID,
		provider: provider,
		entry:    entry,
		all:      entry.all,
		current:  entry.providers[provider],
	}
}

// commit runs write unless the key was disconnected since the lease was taken.
func (l *epochLease) commit(write func() error) error {
	l.entry.Lock()
	defer l.entry.Unlock()

	if l.entry.all != l.all || l.entry.providers[l.provider] != l.current {
		return errDisconnected
	}
	return write()
}

func (l *epochLease) release() {
	l.epochs.release(l.userID, l.entry)
}

// disconnect bumps the epoch of one provider, or of every provider when
// provider is empty, and runs remove while no flight can commit.
func (e *userEpochs) disconnect(userID string, provider Provider, remove func() error) error {
	entry := e.acquire(userID)
	defer e.release(userID, entry)

	entry.Lock()
	defer entry.Unlock()

	if provider == "" {
		entry.all++
	} else {
		entry.providers[provider]++
	}
	return remove()
}
