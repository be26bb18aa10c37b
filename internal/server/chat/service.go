// Package chat implements the access orchestrator: the public entry point
// for every business operation on users, chats and memberships.
//
// Each operation acquires the minimal lock set in canonical order, validates
// business rules against the cache, applies the mutation to the cache
// (immediately visible to all readers), enqueues the matching durable write
// without waiting for it, and releases locks in reverse order. No operation
// lets an internal error or panic cross the boundary: callers see a
// ValidationError, a ConcurrencyError, or the masked ErrInternal.
package chat

import (
	"context"
	"errors"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/parley-chat/parley/internal/common"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/server/auth"
	"github.com/parley-chat/parley/internal/server/cache"
	"github.com/parley-chat/parley/internal/server/config"
	"github.com/parley-chat/parley/internal/server/locks"
	"github.com/parley-chat/parley/internal/server/metrics"
	"github.com/parley-chat/parley/internal/server/persist"

	"github.com/google/uuid"
)

// RegistrationResult carries the new account and the verification token the
// (out-of-scope) mailer is expected to deliver.
type RegistrationResult struct {
	User         cache.User
	Verification cache.VerificationToken
}

// LoginResult carries the account and a signed access token.
type LoginResult struct {
	User        cache.User
	AccessToken string
}

// MemberInfo is one active chat member with its user fields resolved.
type MemberInfo struct {
	UserID      string
	Username    string
	DisplayName string
	Admin       bool
	JoinedAt    time.Time
}

// ChatStats is the locked, consistent per-chat summary.
type ChatStats struct {
	ChatID         string
	Name           string
	IsGroup        bool
	TotalMembers   int
	DeletedMembers int
	ActiveMembers  int
	Admins         int
}

type Service struct {
	cache *cache.Cache
	locks *locks.Coordinator
	queue *persist.Queue
	log   logging.Logger
	v     validator

	jwtSecret           []byte
	accessTokenValidity time.Duration
	verificationTTL     time.Duration

	now   func() time.Time
	newID func() string
}

func NewService(c *cache.Cache, lc *locks.Coordinator, q *persist.Queue, log logging.Logger, cfg *config.Config) *Service {
	return &Service{
		cache:               c,
		locks:               lc,
		queue:               q,
		log:                 log.With("component", "chat"),
		v:                   validator{cache: c},
		jwtSecret:           []byte(cfg.SecretKey),
		accessTokenValidity: cfg.AccessTokenValidityDuration,
		verificationTTL:     cfg.VerificationTokenTTL,
		now:                 time.Now,
		newID:               func() string { return uuid.NewString() },
	}
}

// run executes one operation body, records its outcome, and converts
// anything that is not a typed failure into the masked internal error.
func (s *Service) run(ctx context.Context, op string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error(ctx, "operation panicked", "op", op, "panic", p)
			metrics.Operations.WithLabelValues(op, "internal").Inc()
			err = ErrInternal
		}
	}()

	err = fn()
	metrics.Operations.WithLabelValues(op, outcome(err)).Inc()

	if err != nil && outcome(err) == "internal" {
		s.log.Error(ctx, "operation failed", "op", op, "error", err)
		return ErrInternal
	}
	return err
}

// ---- accounts ----

// Register creates a disabled account after winning the bounded-wait
// registration locks for both uniqueness keys. The account stays disabled
// until ConfirmRegistration consumes the returned verification token.
func (s *Service) Register(ctx context.Context, username, displayName, email, password string) (RegistrationResult, error) {
	var out RegistrationResult
	err := s.run(ctx, "register", func() error {
		if username == "" || email == "" {
			return validationf("Username and email are required")
		}
		if len(password) < 8 {
			return validationf("Password must be at least 8 characters")
		}

		release, err := s.locks.RegistrationLock("username:"+username, "email:"+email)
		if err != nil {
			key := "username:" + username
			var te *locks.AcquireTimeoutError
			if errors.As(err, &te) {
				key = te.Key
			}
			return &ConcurrencyError{Key: key}
		}
		defer release()

		if s.cache.UsernameTaken(username) {
			return validationf("Username %q is already taken", username)
		}
		if s.cache.EmailTaken(email) {
			return validationf("Email %q is already registered", email)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		u := cache.User{
			ID:           s.newID(),
			Username:     username,
			DisplayName:  displayName,
			Email:        email,
			PasswordHash: hash,
			CreatedAt:    s.now(),
		}
		if err := s.cache.PutUser(u); err != nil {
			return err
		}
		tok, err := s.issueToken(u.ID, cache.PurposeRegistration)
		if err != nil {
			return err
		}

		s.persistSaveUser(u)
		s.persistSaveToken(tok)
		out = RegistrationResult{User: u, Verification: tok}
		return nil
	})
	return out, err
}

// ConfirmRegistration consumes a registration token and enables the account.
func (s *Service) ConfirmRegistration(ctx context.Context, token string) error {
	return s.run(ctx, "confirm_registration", func() error {
		tok, ok := s.cache.ConsumeToken(token)
		if !ok || tok.Purpose != cache.PurposeRegistration {
			return validationf("Verification token is invalid or expired")
		}
		if err := s.cache.SetUserEnabled(tok.UserID, true); err != nil {
			return err
		}

		u, _ := s.cache.UserByID(tok.UserID)
		s.persistUpdateUser(u)
		s.persistDeleteToken(tok.Token)
		return nil
	})
}

// RequestVerification issues a fresh single-use token for the given purpose.
func (s *Service) RequestVerification(ctx context.Context, userID, purpose string) (cache.VerificationToken, error) {
	var out cache.VerificationToken
	err := s.run(ctx, "request_verification", func() error {
		if purpose != cache.PurposeRegistration && purpose != cache.PurposePasswordReset {
			return validationf("Unknown verification purpose %q", purpose)
		}
		u, ok := s.cache.UserByID(userID)
		if !ok || u.Deleted {
			return validationf("User not found or inactive")
		}
		tok, err := s.issueToken(userID, purpose)
		if err != nil {
			return err
		}
		s.persistSaveToken(tok)
		out = tok
		return nil
	})
	return out, err
}

// Login checks credentials, records the login time, and returns a signed
// access token. Unknown users and wrong passwords are indistinguishable.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out LoginResult
	err := s.run(ctx, "login", func() error {
		u, ok := s.cache.UserByUsername(username)
		if !ok || u.Deleted {
			return validationf("Invalid username or password")
		}
		if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
			return validationf("Invalid username or password")
		}
		if !u.Enabled {
			return validationf("Account is not verified")
		}

		release := s.locks.UsersLock([]string{u.ID})
		defer release()

		if err := s.cache.TouchLogin(u.ID, s.now()); err != nil {
			return err
		}
		u, _ = s.cache.UserByID(u.ID)
		s.persistUpdateUser(u)

		token, err := auth.GenerateToken(u.ID, s.jwtSecret, s.accessTokenValidity)
		if err != nil {
			return err
		}
		out = LoginResult{User: u, AccessToken: token}
		return nil
	})
	return out, err
}

// ---- chat creation ----

// CreatePersonalChat returns the one-and-only personal chat of the pair,
// creating or restoring it as needed. The whole check-then-act sequence
// runs under the global creation lock, so concurrent calls for the same
// pair, in either argument order, collapse to a single chat.
func (s *Service) CreatePersonalChat(ctx context.Context, callerID, otherID string) (cache.Chat, error) {
	var out cache.Chat
	err := s.run(ctx, "create_personal_chat", func() error {
		if err := s.v.distinct(callerID, otherID, "Cannot create a personal chat with yourself"); err != nil {
			return err
		}

		releaseCreation := s.locks.CreationLock()
		defer releaseCreation()
		releaseUsers := s.locks.UsersRLock([]string{callerID, otherID})
		defer releaseUsers()

		for _, id := range []string{callerID, otherID} {
			if _, err := s.v.activeUser(id); err != nil {
				return err
			}
		}

		// Dedup: an existing live chat wins.
		if id, ok := s.cache.PersonalChat(callerID, otherID); ok {
			out, _ = s.cache.ChatByID(id)
			return nil
		}

		// Restore-on-recreate: a soft-deleted personal chat comes back
		// with its original id and both memberships active again. The chat
		// already exists, so its lock is held across the restore and the
		// upserts; otherwise a concurrent leave could slip in between them.
		if id, ok := s.cache.DeletedPersonalChat(callerID, otherID); ok {
			releaseChat := s.locks.ChatLock(id)
			defer releaseChat()
			if err := s.cache.RestoreChat(id); err != nil {
				return err
			}
			now := s.now()
			for _, uid := range []string{callerID, otherID} {
				if _, err := s.cache.UpsertMembership(id, uid, true, now); err != nil {
					return err
				}
			}
			ch, _ := s.cache.ChatByID(id)
			s.persistUpdateChat(ch)
			s.persistMembership(id, callerID)
			s.persistMembership(id, otherID)
			s.persistSavePair(cache.PersonalPair{UserA: callerID, UserB: otherID, ChatID: id})
			out = ch
			return nil
		}

		now := s.now()
		ch := cache.Chat{
			ID:        s.newID(),
			CreatorID: callerID,
			CreatedAt: now,
		}
		// The chat becomes reachable after the first membership insert;
		// hold its lock until both members are in place.
		releaseChat := s.locks.ChatLock(ch.ID)
		defer releaseChat()
		if err := s.cache.PutChat(ch); err != nil {
			return err
		}
		for _, uid := range []string{callerID, otherID} {
			if _, err := s.cache.UpsertMembership(ch.ID, uid, true, now); err != nil {
				return err
			}
		}
		s.cache.PutPersonalChat(callerID, otherID, ch.ID)

		ch, _ = s.cache.ChatByID(ch.ID)
		s.persistSaveChat(ch)
		s.persistMembership(ch.ID, callerID)
		s.persistMembership(ch.ID, otherID)
		s.persistSavePair(cache.PersonalPair{UserA: callerID, UserB: otherID, ChatID: ch.ID})
		out = ch
		return nil
	})
	return out, err
}

// CreateGroupChat creates a named group chat with the caller as creator and
// admin. All participants are validated together under their user locks.
func (s *Service) CreateGroupChat(ctx context.Context, callerID, name string, memberIDs []string) (cache.Chat, error) {
	var out cache.Chat
	err := s.run(ctx, "create_group_chat", func() error {
		if name == "" {
			return validationf("Group chat requires a name")
		}

		ids := uniqueIDs(append(slices.Clone(memberIDs), callerID))

		releaseCreation := s.locks.CreationLock()
		defer releaseCreation()
		releaseUsers := s.locks.UsersRLock(ids)
		defer releaseUsers()

		for _, id := range ids {
			if _, err := s.v.activeUser(id); err != nil {
				return err
			}
		}

		now := s.now()
		ch := cache.Chat{
			ID:        s.newID(),
			Name:      name,
			CreatorID: callerID,
			IsGroup:   true,
			CreatedAt: now,
		}
		releaseChat := s.locks.ChatLock(ch.ID)
		defer releaseChat()
		if err := s.cache.PutChat(ch); err != nil {
			return err
		}
		for _, uid := range ids {
			if _, err := s.cache.UpsertMembership(ch.ID, uid, uid == callerID, now); err != nil {
				return err
			}
		}

		ch, _ = s.cache.ChatByID(ch.ID)
		s.persistSaveChat(ch)
		for _, uid := range ids {
			s.persistMembership(ch.ID, uid)
		}
		out = ch
		return nil
	})
	return out, err
}

// ---- membership mutations ----

// AddGroupMember adds (or re-adds) a user to a group chat. Only admins may
// invite; rejoining appends a new membership period.
func (s *Service) AddGroupMember(ctx context.Context, chatID, inviterID, userID string) error {
	return s.run(ctx, "add_group_member", func() error {
		release := s.locks.ChatLock(chatID)
		defer release()

		ch, err := s.v.activeChat(chatID)
		if err != nil {
			return err
		}
		if !ch.IsGroup {
			return validationf("Not a group chat")
		}
		inviter, err := s.v.activeMember(chatID, inviterID)
		if err != nil {
			return err
		}
		if !inviter.Admin {
			return validationf("Only admin can add members to group")
		}
		if _, err := s.v.activeUser(userID); err != nil {
			return err
		}

		if _, err := s.cache.UpsertMembership(chatID, userID, false, s.now()); err != nil {
			return err
		}

		ch, _ = s.cache.ChatByID(chatID)
		s.persistMembership(chatID, userID)
		s.persistUpdateChat(ch)
		return nil
	})
}

// LeaveChat removes the caller's membership. A leaving creator hands
// creator rights to another active admin when one exists; with no admin
// left to own it, the chat itself is soft-deleted instead.
func (s *Service) LeaveChat(ctx context.Context, chatID, userID string) error {
	return s.run(ctx, "leave_chat", func() error {
		release := s.locks.ChatLock(chatID)
		defer release()

		ch, err := s.v.activeChat(chatID)
		if err != nil {
			return err
		}
		if _, err := s.v.activeMember(chatID, userID); err != nil {
			return err
		}

		if ch.CreatorID != userID {
			if err := s.cache.RemoveMembership(chatID, userID, s.now()); err != nil {
				return err
			}
			ch, _ = s.cache.ChatByID(chatID)
			s.persistMembership(chatID, userID)
			s.persistUpdateChat(ch)
			return nil
		}

		successor := ""
		for _, m := range s.cache.ActiveMembers(chatID) {
			if m.Admin && m.UserID != userID {
				successor = m.UserID
				break
			}
		}

		if successor == "" {
			memberIDs := s.cache.MemberIDs(chatID)
			if err := s.cache.SoftDeleteChat(chatID); err != nil {
				return err
			}
			ch, _ = s.cache.ChatByID(chatID)
			s.persistUpdateChat(ch)
			if !ch.IsGroup && len(memberIDs) == 2 {
				s.persistDeletePair(memberIDs[0], memberIDs[1])
			}
			return nil
		}

		if err := s.cache.TransferCreator(chatID, successor); err != nil {
			return err
		}
		if err := s.cache.RemoveMembership(chatID, userID, s.now()); err != nil {
			return err
		}
		ch, _ = s.cache.ChatByID(chatID)
		s.persistUpdateChat(ch)
		s.persistMembership(chatID, successor)
		s.persistMembership(chatID, userID)
		return nil
	})
}

// TransferCreator hands creator rights to another active member. The
// predecessor keeps admin rights; demote it with SetAdmin afterwards if
// desired.
func (s *Service) TransferCreator(ctx context.Context, chatID, callerID, newCreatorID string) error {
	return s.run(ctx, "transfer_creator", func() error {
		release := s.locks.ChatLock(chatID)
		defer release()

		ch, err := s.v.activeChat(chatID)
		if err != nil {
			return err
		}
		if ch.CreatorID != callerID {
			return validationf("Only the creator can transfer creator rights")
		}
		if err := s.v.distinct(callerID, newCreatorID, "User is already the creator"); err != nil {
			return err
		}
		if _, err := s.v.activeMember(chatID, newCreatorID); err != nil {
			return err
		}

		if err := s.cache.TransferCreator(chatID, newCreatorID); err != nil {
			return err
		}

		ch, _ = s.cache.ChatByID(chatID)
		s.persistUpdateChat(ch)
		s.persistMembership(chatID, newCreatorID)
		return nil
	})
}

// SetAdmin grants or revokes admin rights. Callers must be admins; the
// creator cannot be demoted.
func (s *Service) SetAdmin(ctx context.Context, chatID, callerID, userID string, grant bool) error {
	return s.run(ctx, "set_admin", func() error {
		release := s.locks.ChatLock(chatID)
		defer release()

		ch, err := s.v.activeChat(chatID)
		if err != nil {
			return err
		}
		if _, err := s.v.admin(chatID, callerID); err != nil {
			return err
		}
		if _, err := s.v.activeMember(chatID, userID); err != nil {
			return err
		}
		if !grant && ch.CreatorID == userID {
			return validationf("Creator admin rights cannot be revoked")
		}

		if err := s.cache.SetAdmin(chatID, userID, grant); err != nil {
			return err
		}
		s.persistMembership(chatID, userID)
		return nil
	})
}

// ClearHistory truncates the caller's closed membership periods for one
// chat. The open period, if any, survives.
func (s *Service) ClearHistory(ctx context.Context, chatID, userID string) error {
	return s.run(ctx, "clear_history", func() error {
		release := s.locks.ChatLock(chatID)
		defer release()

		if _, ok := s.cache.ChatByID(chatID); !ok {
			return validationf("Chat not found or deleted")
		}
		if _, ok := s.cache.Membership(chatID, userID); !ok {
			return validationf("User is not a member of this chat")
		}

		if err := s.cache.ClearMemberHistory(chatID, userID); err != nil {
			return err
		}
		s.persistMembership(chatID, userID)
		return nil
	})
}

// ---- reads ----

// Members lists the active members of a chat. Caller must be one of them.
func (s *Service) Members(ctx context.Context, chatID, callerID string) ([]MemberInfo, error) {
	var out []MemberInfo
	err := s.run(ctx, "members", func() error {
		release := s.locks.ChatRLock(chatID)
		defer release()

		if _, err := s.v.activeChat(chatID); err != nil {
			return err
		}
		if _, err := s.v.activeMember(chatID, callerID); err != nil {
			return err
		}

		for _, m := range s.cache.ActiveMembers(chatID) {
			info := MemberInfo{UserID: m.UserID, Admin: m.Admin}
			if u, ok := s.cache.UserByID(m.UserID); ok {
				info.Username = u.Username
				info.DisplayName = u.DisplayName
			}
			if p, ok := m.CurrentPeriod(); ok {
				info.JoinedAt = p.JoinedAt
			}
			out = append(out, info)
		}
		return nil
	})
	return out, err
}

// ChatStats returns the consistent per-chat summary. Caller must be an
// active member.
func (s *Service) ChatStats(ctx context.Context, chatID, callerID string) (ChatStats, error) {
	var out ChatStats
	err := s.run(ctx, "chat_stats", func() error {
		release := s.locks.ChatRLock(chatID)
		defer release()

		ch, err := s.v.activeChat(chatID)
		if err != nil {
			return err
		}
		if _, err := s.v.activeMember(chatID, callerID); err != nil {
			return err
		}

		out = ChatStats{
			ChatID:         ch.ID,
			Name:           ch.Name,
			IsGroup:        ch.IsGroup,
			TotalMembers:   ch.TotalMembers,
			DeletedMembers: ch.DeletedMembers,
			ActiveMembers:  ch.ActiveMembers(),
		}
		for _, m := range s.cache.ActiveMembers(chatID) {
			if m.Admin {
				out.Admins++
			}
		}
		return nil
	})
	return out, err
}

// ChatsOfUser lists the live chats the user currently belongs to.
func (s *Service) ChatsOfUser(ctx context.Context, userID string) ([]cache.Chat, error) {
	var out []cache.Chat
	err := s.run(ctx, "chats_of_user", func() error {
		if _, err := s.v.activeUser(userID); err != nil {
			return err
		}
		out = s.cache.ChatsOfUser(userID)
		return nil
	})
	return out, err
}

// Stats returns global, approximate counters. No locks are taken; the
// numbers are a point-in-time estimate, not an account.
func (s *Service) Stats(ctx context.Context) cache.Stats {
	stats := s.cache.Stats()
	metrics.Operations.WithLabelValues("stats", "ok").Inc()
	return stats
}

// ---- helpers ----

func (s *Service) issueToken(userID, purpose string) (cache.VerificationToken, error) {
	token, err := common.MakeRandHexString(32)
	if err != nil {
		return cache.VerificationToken{}, err
	}
	tok := cache.VerificationToken{
		Token:     token,
		UserID:    userID,
		Purpose:   purpose,
		ExpiresAt: s.now().Add(s.verificationTTL),
	}
	s.cache.PutToken(tok)
	return tok, nil
}

func (s *Service) persistSaveUser(u cache.User) {
	s.queue.Enqueue(persist.Job{Name: "save_user", Op: func(ctx context.Context, st persist.Store) error {
		return st.SaveUser(ctx, u)
	}})
}

func (s *Service) persistUpdateUser(u cache.User) {
	s.queue.Enqueue(persist.Job{Name: "update_user", Op: func(ctx context.Context, st persist.Store) error {
		return st.UpdateUser(ctx, u)
	}})
}

func (s *Service) persistSaveChat(ch cache.Chat) {
	s.queue.Enqueue(persist.Job{Name: "save_chat", Op: func(ctx context.Context, st persist.Store) error {
		return st.SaveChat(ctx, ch)
	}})
}

func (s *Service) persistUpdateChat(ch cache.Chat) {
	s.queue.Enqueue(persist.Job{Name: "update_chat", Op: func(ctx context.Context, st persist.Store) error {
		return st.UpdateChat(ctx, ch)
	}})
}

// persistMembership snapshots the membership under the currently held chat
// lock, so the queued job carries a stable copy.
func (s *Service) persistMembership(chatID, userID string) {
	m, ok := s.cache.Membership(chatID, userID)
	if !ok {
		return
	}
	s.queue.Enqueue(persist.Job{Name: "upsert_membership", Op: func(ctx context.Context, st persist.Store) error {
		return st.UpsertMembership(ctx, m)
	}})
}

func (s *Service) persistSavePair(p cache.PersonalPair) {
	s.queue.Enqueue(persist.Job{Name: "save_personal_pair", Op: func(ctx context.Context, st persist.Store) error {
		return st.SavePersonalPair(ctx, p)
	}})
}

func (s *Service) persistDeletePair(a, b string) {
	s.queue.Enqueue(persist.Job{Name: "delete_personal_pair", Op: func(ctx context.Context, st persist.Store) error {
		return st.DeletePersonalPair(ctx, a, b)
	}})
}

func (s *Service) persistSaveToken(tok cache.VerificationToken) {
	s.queue.Enqueue(persist.Job{Name: "save_token", Op: func(ctx context.Context, st persist.Store) error {
		return st.SaveToken(ctx, tok)
	}})
}

func (s *Service) persistDeleteToken(token string) {
	s.queue.Enqueue(persist.Job{Name: "delete_token", Op: func(ctx context.Context, st persist.Store) error {
		return st.DeleteToken(ctx, token)
	}})
}

func uniqueIDs(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
