// Package locks provides the tiered lock coordinator that serializes access
// to shared chat-service entities.
//
// Four independent tiers exist: a global chat-creation mutex, per-chat
// read/write locks, per-user read/write locks, and per-key registration
// locks with a bounded wait. Multi-user acquisition is only available
// through UsersLock/UsersRLock, which sort the id set ascending and release
// in reverse; keeping that ordering in one place is what makes overlapping
// multi-user operations deadlock-free.
//
// Lock entries are created per id on first use and never evicted; the lock
// population therefore grows with the entity population. This mirrors the
// cache, which is itself unbounded, so eviction here alone would not cap
// memory. Revisit together with cache eviction if id churn ever matters.
package locks

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrAcquireTimeout reports that a bounded-wait lock could not be acquired
// in time. Callers should treat it as transient.
var ErrAcquireTimeout = errors.New("lock acquisition timed out")

// AcquireTimeoutError names the key the bounded wait expired on. It unwraps
// to ErrAcquireTimeout.
type AcquireTimeoutError struct {
	Key string
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("lock acquisition timed out on %q", e.Key)
}

func (e *AcquireTimeoutError) Unwrap() error { return ErrAcquireTimeout }

// DefaultRegistrationWait bounds how long a registration may queue on a
// contended username/email key before failing fast.
const DefaultRegistrationWait = 2 * time.Second

// Coordinator hands out releases as functions so that reverse-order
// release is enforced by construction rather than by call-site discipline.
type Coordinator struct {
	creation sync.Mutex

	chats keyedRW
	users keyedRW

	regMu    sync.Mutex
	regSlots map[string]chan struct{}
	regWait  time.Duration
}

func NewCoordinator(registrationWait time.Duration) *Coordinator {
	if registrationWait <= 0 {
		registrationWait = DefaultRegistrationWait
	}
	return &Coordinator{
		chats:    keyedRW{locks: make(map[string]*sync.RWMutex)},
		users:    keyedRW{locks: make(map[string]*sync.RWMutex)},
		regSlots: make(map[string]chan struct{}),
		regWait:  registrationWait,
	}
}

// CreationLock takes the global chat-creation lock (tier 0). All creation
// paths serialize here so that the dedup check and the insert form one
// atomic step across the whole chat universe.
func (c *Coordinator) CreationLock() (release func()) {
	c.creation.Lock()
	return c.creation.Unlock
}

// ChatLock takes the write lock of one chat (tier 1).
func (c *Coordinator) ChatLock(chatID string) (release func()) {
	l := c.chats.get(chatID)
	l.Lock()
	return l.Unlock
}

// ChatRLock takes the read lock of one chat (tier 1).
func (c *Coordinator) ChatRLock(chatID string) (release func()) {
	l := c.chats.get(chatID)
	l.RLock()
	return l.RUnlock
}

// UsersLock write-locks every user in the set (tier 2). Ids are deduplicated
// and locked in ascending order; the returned release unlocks in descending
// order.
func (c *Coordinator) UsersLock(userIDs []string) (release func()) {
	return c.lockUsers(userIDs, false)
}

// UsersRLock is UsersLock with read locks, for validation-only sections.
func (c *Coordinator) UsersRLock(userIDs []string) (release func()) {
	return c.lockUsers(userIDs, true)
}

func (c *Coordinator) lockUsers(userIDs []string, shared bool) func() {
	ids := canonicalize(userIDs)

	acquired := make([]*sync.RWMutex, 0, len(ids))
	for _, id := range ids {
		l := c.users.get(id)
		if shared {
			l.RLock()
		} else {
			l.Lock()
		}
		acquired = append(acquired, l)
	}

	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			if shared {
				acquired[i].RUnlock()
			} else {
				acquired[i].Unlock()
			}
		}
	}
}

// RegistrationLock acquires the tier-3 locks for the given uniqueness keys
// (username, email), each within the bounded wait. On timeout it backs out
// of everything already held and returns an AcquireTimeoutError naming the
// contended key, so a losing concurrent registration fails quickly instead
// of queuing.
func (c *Coordinator) RegistrationLock(keys ...string) (release func(), err error) {
	sorted := canonicalize(keys)

	acquired := make([]chan struct{}, 0, len(sorted))
	undo := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			<-acquired[i]
		}
	}

	for _, key := range sorted {
		slot := c.regSlot(key)
		timer := time.NewTimer(c.regWait)
		select {
		case slot <- struct{}{}:
			timer.Stop()
			acquired = append(acquired, slot)
		case <-timer.C:
			undo()
			return nil, &AcquireTimeoutError{Key: key}
		}
	}

	return undo, nil
}

func (c *Coordinator) regSlot(key string) chan struct{} {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	slot, ok := c.regSlots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		c.regSlots[key] = slot
	}
	return slot
}

// canonicalize returns the sorted, deduplicated id set.
func canonicalize(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// keyedRW is a grow-only map of per-id rwlocks.
type keyedRW struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func (k *keyedRW) get(key string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		k.locks[key] = l
	}
	return l
}
