package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := New(time.Hour)
	require.NoError(t, c.Load(nil, nil, nil, nil, nil))
	return c
}

func seedUser(t *testing.T, c *Cache, id string) User {
	t.Helper()
	u := User{ID: id, Username: "name-" + id, Email: id + "@example.com", Enabled: true}
	require.NoError(t, c.PutUser(u))
	return u
}

func seedChat(t *testing.T, c *Cache, id, creatorID string, group bool) Chat {
	t.Helper()
	ch := Chat{ID: id, CreatorID: creatorID, IsGroup: group, CreatedAt: time.Now()}
	require.NoError(t, c.PutChat(ch))
	_, err := c.UpsertMembership(id, creatorID, true, time.Now())
	require.NoError(t, err)
	return ch
}

func TestCache_LoadTwice(t *testing.T) {
	c := New(time.Hour)
	require.NoError(t, c.Load(nil, nil, nil, nil, nil))
	assert.ErrorIs(t, c.Load(nil, nil, nil, nil, nil), ErrAlreadyLoaded)
}

func TestCache_LoadRoutesDeletedPairs(t *testing.T) {
	c := New(time.Hour)

	chats := []Chat{
		{ID: "c1", CreatorID: "u1"},
		{ID: "c2", CreatorID: "u1", Deleted: true},
	}
	pairs := []PersonalPair{
		{UserA: "u1", UserB: "u2", ChatID: "c1"},
		{UserA: "u3", UserB: "u1", ChatID: "c2"},
	}
	require.NoError(t, c.Load(nil, chats, nil, pairs, nil))

	id, ok := c.PersonalChat("u2", "u1")
	require.True(t, ok)
	assert.Equal(t, "c1", id)

	_, ok = c.PersonalChat("u1", "u3")
	assert.False(t, ok, "deleted chat must not resolve as live pair")

	id, ok = c.DeletedPersonalChat("u1", "u3")
	require.True(t, ok)
	assert.Equal(t, "c2", id)
}

func TestCache_PutUserUniqueness(t *testing.T) {
	c := newTestCache(t)
	seedUser(t, c, "u1")

	err := c.PutUser(User{ID: "u2", Username: "name-u1", Email: "other@example.com"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	err = c.PutUser(User{ID: "u2", Username: "other", Email: "u1@example.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	assert.True(t, c.UsernameTaken("name-u1"))
	assert.True(t, c.EmailTaken("u1@example.com"))
	assert.False(t, c.UsernameTaken("other"))
}

func TestCache_UpsertMembership(t *testing.T) {
	c := newTestCache(t)
	seedUser(t, c, "u1")
	seedUser(t, c, "u2")
	seedChat(t, c, "c1", "u1", true)
	now := time.Now()

	t.Run("insert", func(t *testing.T) {
		m, err := c.UpsertMembership("c1", "u2", false, now)
		require.NoError(t, err)
		assert.False(t, m.Admin)
		require.Len(t, m.Periods, 1)
		assert.Nil(t, m.Periods[0].LeftAt)

		ch, _ := c.ChatByID("c1")
		assert.Equal(t, 2, ch.TotalMembers)
		assert.Equal(t, 0, ch.DeletedMembers)
	})

	t.Run("active upsert is a no-op", func(t *testing.T) {
		m, err := c.UpsertMembership("c1", "u2", true, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, m.Admin, "no-op must not change the admin flag")
		assert.Len(t, m.Periods, 1)

		ch, _ := c.ChatByID("c1")
		assert.Equal(t, 2, ch.TotalMembers, "counters unchanged on no-op")
	})

	t.Run("restore appends a period", func(t *testing.T) {
		require.NoError(t, c.RemoveMembership("c1", "u2", now.Add(time.Hour)))

		ch, _ := c.ChatByID("c1")
		assert.Equal(t, 1, ch.DeletedMembers)
		assert.Equal(t, 1, ch.ActiveMembers())

		m, err := c.UpsertMembership("c1", "u2", true, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.True(t, m.Admin)
		require.Len(t, m.Periods, 2)
		assert.NotNil(t, m.Periods[0].LeftAt)
		assert.Nil(t, m.Periods[1].LeftAt)

		ch, _ = c.ChatByID("c1")
		assert.Equal(t, 2, ch.TotalMembers, "restore must not inflate the total")
		assert.Equal(t, 0, ch.DeletedMembers)
	})

	t.Run("unknown chat", func(t *testing.T) {
		_, err := c.UpsertMembership("nope", "u2", false, now)
		assert.Error(t, err)
	})
}

func TestCache_RemoveMembership(t *testing.T) {
	c := newTestCache(t)
	seedUser(t, c, "u1")
	seedUser(t, c, "u2")
	seedChat(t, c, "c1", "u1", true)
	now := time.Now()

	_, err := c.UpsertMembership("c1", "u2", false, now)
	require.NoError(t, err)

	t.Run("creator is protected", func(t *testing.T) {
		assert.ErrorIs(t, c.RemoveMembership("c1", "u1", now), ErrCreatorProtected)
	})

	t.Run("closes the open period", func(t *testing.T) {
		require.NoError(t, c.RemoveMembership("c1", "u2", now))

		m, ok := c.Membership("c1", "u2")
		require.True(t, ok)
		assert.True(t, m.Deleted)
		require.Len(t, m.Periods, 1)
		require.NotNil(t, m.Periods[0].LeftAt)
		assert.Equal(t, now, *m.Periods[0].LeftAt)
	})

	t.Run("idempotent", func(t *testing.T) {
		require.NoError(t, c.RemoveMembership("c1", "u2", now.Add(time.Minute)))
		ch, _ := c.ChatByID("c1")
		assert.Equal(t, 1, ch.DeletedMembers, "double remove must not double count")
	})
}

func TestCache_SetAdminAndTransferCreator(t *testing.T) {
	c := newTestCache(t)
	seedUser(t, c, "u1")
	seedUser(t, c, "u2")
	seedChat(t, c, "c1", "u1", true)
	now := time.Now()

	_, err := c.UpsertMembership("c1", "u2", false, now)
	require.NoError(t, err)

	assert.ErrorIs(t, c.SetAdmin("c1", "u1", false), ErrCreatorProtected)

	require.NoError(t, c.SetAdmin("c1", "u2", true))
	m, _ := c.Membership("c1", "u2")
	assert.True(t, m.Admin)
	require.NoError(t, c.SetAdmin("c1", "u2", false))

	require.NoError(t, c.TransferCreator("c1", "u2"))
	ch, _ := c.ChatByID("c1")
	assert.Equal(t, "u2", ch.CreatorID)
	m, _ = c.Membership("c1", "u2")
	assert.True(t, m.Admin, "successor gains admin with creatorship")

	// The old creator is demotable now.
	assert.NoError(t, c.SetAdmin("c1", "u1", false))
}

func TestCache_PersonalChatSymmetry(t *testing.T) {
	c := newTestCache(t)
	c.PutPersonalChat("u2", "u1", "c1")

	id, ok := c.PersonalChat("u1", "u2")
	require.True(t, ok)
	assert.Equal(t, "c1", id)

	id, ok = c.PersonalChat("u2", "u1")
	require.True(t, ok)
	assert.Equal(t, "c1", id)
}

func TestCache_SoftDeleteAndRestoreChat(t *testing.T) {
	c := newTestCache(t)
	seedUser(t, c, "u1")
	seedUser(t, c, "u2")
	seedChat(t, c, "c1", "u1", false)
	now := time.Now()

	_, err := c.UpsertMembership("c1", "u2", false, now)
	require.NoError(t, err)
	c.PutPersonalChat("u1", "u2", "c1")

	require.NoError(t, c.SoftDeleteChat("c1"))

	ch, ok := c.ChatByID("c1")
	require.True(t, ok, "soft delete keeps the record")
	assert.True(t, ch.Deleted)

	_, ok = c.PersonalChat("u1", "u2")
	assert.False(t, ok)
	id, ok := c.DeletedPersonalChat("u2", "u1")
	require.True(t, ok)
	assert.Equal(t, "c1", id)

	// Idempotent.
	require.NoError(t, c.SoftDeleteChat("c1"))

	require.NoError(t, c.RestoreChat("c1"))
	ch, _ = c.ChatByID("c1")
	assert.False(t, ch.Deleted)
	id, ok = c.PersonalChat("u1", "u2")
	require.True(t, ok)
	assert.Equal(t, "c1", id, "restore keeps the original chat id")
	_, ok = c.DeletedPersonalChat("u1", "u2")
	assert.False(t, ok)
}

func TestCache_ChatsOfUserSkipsDeleted(t *testing.T) {
	c := newTestCache(t)
	seedUser(t, c, "u1")
	seedChat(t, c, "c2", "u1", true)
	seedChat(t, c, "c1", "u1", true)
	seedChat(t, c, "c3", "u1", true)

	require.NoError(t, c.SoftDeleteChat("c3"))

	chats := c.ChatsOfUser("u1")
	require.Len(t, chats, 2)
	assert.Equal(t, "c1", chats[0].ID)
	assert.Equal(t, "c2", chats[1].ID)
}

func TestCache_ActiveMembersOrderedAndCopied(t *testing.T) {
	c := newTestCache(t)
	seedUser(t, c, "u1")
	seedUser(t, c, "u2")
	seedUser(t, c, "u3")
	seedChat(t, c, "c1", "u2", true)
	now := time.Now()

	_, err := c.UpsertMembership("c1", "u3", false, now)
	require.NoError(t, err)
	_, err = c.UpsertMembership("c1", "u1", false, now)
	require.NoError(t, err)
	require.NoError(t, c.RemoveMembership("c1", "u3", now))

	members := c.ActiveMembers("c1")
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].UserID)
	assert.Equal(t, "u2", members[1].UserID)

	// Mutating the returned slice must not leak into the cache.
	members[0].Periods[0].JoinedAt = time.Time{}
	m, _ := c.Membership("c1", "u1")
	assert.Equal(t, now.Unix(), m.Periods[0].JoinedAt.Unix())

	ids := c.MemberIDs("c1")
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids, "MemberIDs includes removed members")
}

func TestCache_ClearMemberHistory(t *testing.T) {
	c := newTestCache(t)
	seedUser(t, c, "u1")
	seedUser(t, c, "u2")
	seedChat(t, c, "c1", "u1", true)
	now := time.Now()

	_, err := c.UpsertMembership("c1", "u2", false, now)
	require.NoError(t, err)
	require.NoError(t, c.RemoveMembership("c1", "u2", now.Add(time.Hour)))
	_, err = c.UpsertMembership("c1", "u2", false, now.Add(2*time.Hour))
	require.NoError(t, err)

	require.NoError(t, c.ClearMemberHistory("c1", "u2"))

	m, _ := c.Membership("c1", "u2")
	require.Len(t, m.Periods, 1)
	assert.Nil(t, m.Periods[0].LeftAt, "open period survives the truncation")

	// Removed member keeps nothing.
	require.NoError(t, c.RemoveMembership("c1", "u2", now.Add(3*time.Hour)))
	require.NoError(t, c.ClearMemberHistory("c1", "u2"))
	m, _ = c.Membership("c1", "u2")
	assert.Empty(t, m.Periods)
}

func TestCache_TokenConsumeOnce(t *testing.T) {
	c := newTestCache(t)

	tok := VerificationToken{
		Token:     "abc",
		UserID:    "u1",
		Purpose:   PurposeRegistration,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	c.PutToken(tok)

	got, ok := c.ConsumeToken("abc")
	require.True(t, ok)
	assert.Equal(t, tok, got)

	_, ok = c.ConsumeToken("abc")
	assert.False(t, ok, "a token is single-use")

	_, ok = c.ConsumeToken("missing")
	assert.False(t, ok)
}

func TestCache_TokenConcurrentConsume(t *testing.T) {
	c := newTestCache(t)
	expires := time.Now().Add(time.Hour)

	for i := 0; i < 100; i++ {
		token := fmt.Sprintf("tok-%d", i)
		c.PutToken(VerificationToken{Token: token, UserID: "u1", Purpose: PurposeRegistration, ExpiresAt: expires})

		var hits atomic.Int32
		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, ok := c.ConsumeToken(token); ok {
					hits.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), hits.Load(), "exactly one consumer may win the token")
	}
}

func TestCache_Stats(t *testing.T) {
	c := newTestCache(t)
	seedUser(t, c, "u1")
	seedUser(t, c, "u2")
	require.NoError(t, c.PutUser(User{ID: "u3", Username: "name-u3", Email: "u3@example.com", Enabled: false}))

	seedChat(t, c, "c1", "u1", false)
	now := time.Now()
	_, err := c.UpsertMembership("c1", "u2", false, now)
	require.NoError(t, err)
	c.PutPersonalChat("u1", "u2", "c1")

	seedChat(t, c, "c2", "u1", true)
	require.NoError(t, c.SoftDeleteChat("c2"))

	s := c.Stats()
	assert.Equal(t, 3, s.Users)
	assert.Equal(t, 2, s.ActiveUsers)
	assert.Equal(t, 2, s.Chats)
	assert.Equal(t, 1, s.ActiveChats)
	assert.Equal(t, 1, s.PersonalChats)
	assert.Equal(t, 3, s.Memberships)
	assert.Equal(t, 3, s.ActiveMemberships)
}
