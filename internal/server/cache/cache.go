// Package cache holds the authoritative in-memory model of users, chats and
// memberships. The durable store is a downstream mirror: every read in the
// system is answered from here, and mutations land here first.
//
// The cache's own mutex only makes individual map operations safe for
// concurrent access. Multi-step invariants (creator transfer, soft-delete
// plus history update, personal-chat dedup) are protected by the lock
// coordinator, which the orchestrator holds around its critical sections.
package cache

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/parley-chat/parley/internal/common"
)

var (
	// ErrCreatorProtected is returned when a mutation would strip the chat
	// creator of membership or admin rights outside an explicit transfer.
	ErrCreatorProtected = errors.New("chat creator cannot be demoted or removed")

	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already taken")

	ErrAlreadyLoaded = errors.New("cache already loaded")
)

// Cache is constructed empty, populated exactly once via Load before any
// traffic is served, and mutated only through the orchestrator afterwards.
type Cache struct {
	mu sync.RWMutex

	users        map[string]*User
	usersByName  map[string]string
	usersByEmail map[string]string

	chats map[string]*Chat
	live  map[string]struct{} // ids of non-deleted chats

	members map[string]map[string]*Membership // chat id -> user id
	chatsOf map[string]map[string]struct{}    // user id -> chat ids

	personal        map[PairKey]string
	personalDeleted map[PairKey]string // pairs whose chat is soft-deleted

	tokens *ttlcache.Cache[string, VerificationToken]

	loaded bool
}

// New returns an empty cache. tokenTTL is the default lifetime for
// verification tokens whose ExpiresAt is unset.
func New(tokenTTL time.Duration) *Cache {
	return &Cache{
		users:           make(map[string]*User),
		usersByName:     make(map[string]string),
		usersByEmail:    make(map[string]string),
		chats:           make(map[string]*Chat),
		live:            make(map[string]struct{}),
		members:         make(map[string]map[string]*Membership),
		chatsOf:         make(map[string]map[string]struct{}),
		personal:        make(map[PairKey]string),
		personalDeleted: make(map[PairKey]string),
		tokens: ttlcache.New(
			ttlcache.WithTTL[string, VerificationToken](tokenTTL),
			ttlcache.WithDisableTouchOnHit[string, VerificationToken](),
		),
	}
}

// Start runs the expired-token janitor until Stop is called.
func (c *Cache) Start() {
	go c.tokens.Start()
}

// Stop terminates the token janitor.
func (c *Cache) Stop() {
	c.tokens.Stop()
}

// Load materializes the cache from the durable store's bootstrap reads.
// It must be called exactly once, before the cache serves any traffic.
func (c *Cache) Load(users []User, chats []Chat, memberships []Membership, pairs []PersonalPair, tokens []VerificationToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return ErrAlreadyLoaded
	}
	c.loaded = true

	for i := range users {
		u := users[i]
		c.users[u.ID] = &u
		c.usersByName[u.Username] = u.ID
		c.usersByEmail[u.Email] = u.ID
	}
	for i := range chats {
		ch := chats[i]
		c.chats[ch.ID] = &ch
		if !ch.Deleted {
			c.live[ch.ID] = struct{}{}
		}
	}
	for i := range memberships {
		m := memberships[i]
		byUser, ok := c.members[m.ChatID]
		if !ok {
			byUser = make(map[string]*Membership)
			c.members[m.ChatID] = byUser
		}
		byUser[m.UserID] = &m
		c.indexChatOf(m.UserID, m.ChatID)
	}
	for _, p := range pairs {
		key := NewPairKey(p.UserA, p.UserB)
		if ch, ok := c.chats[p.ChatID]; ok && ch.Deleted {
			c.personalDeleted[key] = p.ChatID
			continue
		}
		c.personal[key] = p.ChatID
	}
	now := time.Now()
	for _, tok := range tokens {
		if !tok.ExpiresAt.After(now) {
			continue
		}
		c.tokens.Set(tok.Token, tok, time.Until(tok.ExpiresAt))
	}
	return nil
}

func (c *Cache) indexChatOf(userID, chatID string) {
	set, ok := c.chatsOf[userID]
	if !ok {
		set = make(map[string]struct{})
		c.chatsOf[userID] = set
	}
	set[chatID] = struct{}{}
}

// ---- user reads ----

func (c *Cache) UserByID(id string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

func (c *Cache) UserByUsername(username string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.usersByName[username]
	if !ok {
		return User{}, false
	}
	return *c.users[id], true
}

func (c *Cache) UsernameTaken(username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.usersByName[username]
	return ok
}

func (c *Cache) EmailTaken(email string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.usersByEmail[email]
	return ok
}

// ---- user writes ----

// PutUser inserts a new user. Uniqueness of username and email must already
// have been checked under the registration lock; the rechecks here are the
// final guard against a caller bypassing it.
func (c *Cache) PutUser(u User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.usersByName[u.Username]; ok {
		return ErrUsernameTaken
	}
	if _, ok := c.usersByEmail[u.Email]; ok {
		return ErrEmailTaken
	}
	stored := u
	c.users[u.ID] = &stored
	c.usersByName[u.Username] = u.ID
	c.usersByEmail[u.Email] = u.ID
	return nil
}

func (c *Cache) SetUserEnabled(id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	if !ok {
		return common.ErrorNotFound
	}
	u.Enabled = enabled
	return nil
}

func (c *Cache) TouchLogin(id string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	if !ok {
		return common.ErrorNotFound
	}
	u.LastLogin = at
	return nil
}

// ---- chat reads ----

func (c *Cache) ChatByID(id string) (Chat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.chats[id]
	if !ok {
		return Chat{}, false
	}
	return *ch, true
}

// Membership returns a copy of the membership row, including its full
// period history.
func (c *Cache) Membership(chatID, userID string) (Membership, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[chatID][userID]
	if !ok {
		return Membership{}, false
	}
	return copyMembership(m), true
}

// ActiveMembers returns the non-deleted memberships of a chat, ordered by
// user id.
func (c *Cache) ActiveMembers(chatID string) []Membership {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Membership
	for _, m := range c.members[chatID] {
		if m.Deleted {
			continue
		}
		out = append(out, copyMembership(m))
	}
	slices.SortFunc(out, func(a, b Membership) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// MemberIDs returns every user id that ever joined the chat, deleted
// memberships included, ordered ascending.
func (c *Cache) MemberIDs(chatID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.members[chatID]))
	for userID := range c.members[chatID] {
		out = append(out, userID)
	}
	slices.Sort(out)
	return out
}

// ChatsOfUser returns the non-deleted chats the user is an active member
// of, ordered by chat id.
func (c *Cache) ChatsOfUser(userID string) []Chat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Chat
	for chatID := range c.chatsOf[userID] {
		m := c.members[chatID][userID]
		if m == nil || m.Deleted {
			continue
		}
		ch := c.chats[chatID]
		if ch == nil || ch.Deleted {
			continue
		}
		out = append(out, *ch)
	}
	slices.SortFunc(out, func(a, b Chat) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// PersonalChat resolves the personal chat of the unordered pair (a, b).
// Either argument order yields the same result.
func (c *Cache) PersonalChat(a, b string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.personal[NewPairKey(a, b)]
	return id, ok
}

// DeletedPersonalChat resolves a soft-deleted personal chat of the pair,
// for restore-on-recreate.
func (c *Cache) DeletedPersonalChat(a, b string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.personalDeleted[NewPairKey(a, b)]
	return id, ok
}

// ---- chat writes ----

func (c *Cache) PutChat(ch Chat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.chats[ch.ID]; ok {
		return errors.New("chat id already present")
	}
	stored := ch
	c.chats[ch.ID] = &stored
	if !ch.Deleted {
		c.live[ch.ID] = struct{}{}
	}
	return nil
}

func (c *Cache) PutPersonalChat(a, b, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.personal[NewPairKey(a, b)] = chatID
}

// UpsertMembership inserts a membership, or restores it with a fresh period
// and the given admin flag if it exists soft-deleted. Calling it for an
// already-active membership is a no-op, which makes retries idempotent.
func (c *Cache) UpsertMembership(chatID, userID string, admin bool, now time.Time) (Membership, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chats[chatID]
	if !ok {
		return Membership{}, common.ErrorNotFound
	}

	byUser, ok := c.members[chatID]
	if !ok {
		byUser = make(map[string]*Membership)
		c.members[chatID] = byUser
	}

	if m, ok := byUser[userID]; ok {
		if !m.Deleted {
			return copyMembership(m), nil
		}
		m.Deleted = false
		m.Admin = admin
		m.Periods = append(m.Periods, Period{JoinedAt: now})
		ch.DeletedMembers--
		return copyMembership(m), nil
	}

	m := &Membership{
		ChatID:  chatID,
		UserID:  userID,
		Admin:   admin,
		Periods: []Period{{JoinedAt: now}},
	}
	byUser[userID] = m
	c.indexChatOf(userID, chatID)
	ch.TotalMembers++
	return copyMembership(m), nil
}

// RemoveMembership soft-deletes a membership and closes its open period.
// The creator's membership cannot be removed; transfer creatorship first.
// Removing an already-removed membership is a no-op.
func (c *Cache) RemoveMembership(chatID, userID string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chats[chatID]
	if !ok {
		return common.ErrorNotFound
	}
	if ch.CreatorID == userID {
		return ErrCreatorProtected
	}
	m, ok := c.members[chatID][userID]
	if !ok {
		return common.ErrorNotFound
	}
	if m.Deleted {
		return nil
	}
	m.Deleted = true
	left := now
	if n := len(m.Periods); n > 0 && m.Periods[n-1].LeftAt == nil {
		m.Periods[n-1].LeftAt = &left
	}
	ch.DeletedMembers++
	return nil
}

// SetAdmin grants or revokes admin rights. The creator's admin flag cannot
// be cleared.
func (c *Cache) SetAdmin(chatID, userID string, admin bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chats[chatID]
	if !ok {
		return common.ErrorNotFound
	}
	if !admin && ch.CreatorID == userID {
		return ErrCreatorProtected
	}
	m, ok := c.members[chatID][userID]
	if !ok || m.Deleted {
		return common.ErrorNotFound
	}
	m.Admin = admin
	return nil
}

// TransferCreator points the chat at a new creator and grants the successor
// admin rights in the same step. The predecessor keeps its admin flag; a
// separate SetAdmin call demotes it if desired.
func (c *Cache) TransferCreator(chatID, newCreatorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chats[chatID]
	if !ok {
		return common.ErrorNotFound
	}
	m, ok := c.members[chatID][newCreatorID]
	if !ok || m.Deleted {
		return common.ErrorNotFound
	}
	ch.CreatorID = newCreatorID
	m.Admin = true
	return nil
}

// SoftDeleteChat marks the chat deleted and drops it from the not-deleted
// and personal-chat indices.
func (c *Cache) SoftDeleteChat(chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chats[chatID]
	if !ok {
		return common.ErrorNotFound
	}
	if ch.Deleted {
		return nil
	}
	ch.Deleted = true
	delete(c.live, chatID)
	if !ch.IsGroup {
		if key, ok := c.pairKeyOf(chatID); ok {
			delete(c.personal, key)
			c.personalDeleted[key] = chatID
		}
	}
	return nil
}

// RestoreChat reverses a soft delete, reinserting the chat into the
// not-deleted index and, for personal chats, the pair index with its
// original id.
func (c *Cache) RestoreChat(chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chats[chatID]
	if !ok {
		return common.ErrorNotFound
	}
	if !ch.Deleted {
		return nil
	}
	ch.Deleted = false
	c.live[chatID] = struct{}{}
	if !ch.IsGroup {
		if key, ok := c.pairKeyOf(chatID); ok {
			delete(c.personalDeleted, key)
			c.personal[key] = chatID
		}
	}
	return nil
}

// pairKeyOf derives the canonical pair key of a personal chat from its two
// membership rows. Callers hold c.mu.
func (c *Cache) pairKeyOf(chatID string) (PairKey, bool) {
	ids := make([]string, 0, 2)
	for userID := range c.members[chatID] {
		ids = append(ids, userID)
	}
	if len(ids) != 2 {
		return PairKey{}, false
	}
	return NewPairKey(ids[0], ids[1]), true
}

// ClearMemberHistory drops the member's closed periods, keeping only the
// open one (if any).
func (c *Cache) ClearMemberHistory(chatID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[chatID][userID]
	if !ok {
		return common.ErrorNotFound
	}
	if n := len(m.Periods); n > 0 && m.Periods[n-1].LeftAt == nil {
		m.Periods = []Period{m.Periods[n-1]}
	} else {
		m.Periods = nil
	}
	return nil
}

// ---- verification tokens ----

// PutToken stores a verification token until its expiry.
func (c *Cache) PutToken(tok VerificationToken) {
	ttl := ttlcache.DefaultTTL
	if !tok.ExpiresAt.IsZero() {
		ttl = time.Until(tok.ExpiresAt)
	}
	c.tokens.Set(tok.Token, tok, ttl)
}

// ConsumeToken fetches and deletes a token in one step; a token can only be
// consumed once, even under concurrent consumers.
func (c *Cache) ConsumeToken(token string) (VerificationToken, bool) {
	item, ok := c.tokens.GetAndDelete(token)
	if !ok {
		return VerificationToken{}, false
	}
	return item.Value(), true
}

// ---- statistics ----

// Stats are point-in-time approximations produced without coordinator
// locks; concurrent mutations may be partially reflected. They are intended
// for dashboards, not accounting.
type Stats struct {
	Users             int
	ActiveUsers       int
	Chats             int
	ActiveChats       int
	PersonalChats     int
	Memberships       int
	ActiveMemberships int
}

func (c *Cache) Stats() Stats {
	var s Stats

	c.mu.RLock()
	s.Users = len(c.users)
	for _, u := range c.users {
		if u.Active() {
			s.ActiveUsers++
		}
	}
	s.Chats = len(c.chats)
	s.ActiveChats = len(c.live)
	s.PersonalChats = len(c.personal)
	for _, byUser := range c.members {
		s.Memberships += len(byUser)
		for _, m := range byUser {
			if !m.Deleted {
				s.ActiveMemberships++
			}
		}
	}
	c.mu.RUnlock()

	return s
}

func copyMembership(m *Membership) Membership {
	out := *m
	out.Periods = slices.Clone(m.Periods)
	return out
}
