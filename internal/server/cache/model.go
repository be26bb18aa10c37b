package cache

import "time"

// User is the in-memory record for one account. Instances stored in the
// cache are owned by it; lookups hand out copies, and all mutation goes
// through the orchestrator under coordinator locks.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	Email        string
	PasswordHash []byte
	Enabled      bool
	Deleted      bool
	LastLogin    time.Time
	CreatedAt    time.Time
}

// Active reports whether the user may participate in operations.
func (u *User) Active() bool {
	return !u.Deleted && u.Enabled
}

// Chat is the in-memory record for one chat. Name is set for group chats
// only. The member counters satisfy
// ActiveMembers() == TotalMembers - DeletedMembers at all times.
type Chat struct {
	ID             string
	Name           string
	CreatorID      string
	IsGroup        bool
	TotalMembers   int
	DeletedMembers int
	Deleted        bool
	CreatedAt      time.Time
}

func (c *Chat) ActiveMembers() int {
	return c.TotalMembers - c.DeletedMembers
}

// Period is one contiguous join-to-leave interval of a membership.
// The current (open) period has a nil LeftAt.
type Period struct {
	JoinedAt time.Time
	LeftAt   *time.Time
}

// Membership joins a user to a chat. Leaving soft-deletes the row and
// closes the open period; rejoining appends a new period instead of
// overwriting history.
type Membership struct {
	ChatID  string
	UserID  string
	Admin   bool
	Deleted bool
	Periods []Period
}

// CurrentPeriod returns the open period, if any.
func (m *Membership) CurrentPeriod() (Period, bool) {
	if len(m.Periods) == 0 {
		return Period{}, false
	}
	last := m.Periods[len(m.Periods)-1]
	if last.LeftAt != nil {
		return Period{}, false
	}
	return last, true
}

// PairKey is the canonical, order-independent identity of a personal chat:
// the two participant ids with the smaller one first.
type PairKey struct {
	Low  string
	High string
}

// NewPairKey canonicalizes the unordered user pair (a, b).
func NewPairKey(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

// Other returns the pair participant that is not the given user.
func (k PairKey) Other(userID string) string {
	if k.Low == userID {
		return k.High
	}
	return k.Low
}

// PersonalPair is one personal-chat index entry, as loaded from and
// persisted to the durable store.
type PersonalPair struct {
	UserA  string
	UserB  string
	ChatID string
}

// VerificationToken is a short-lived, single-use token tied to a user,
// e.g. for confirming a registration email.
type VerificationToken struct {
	Token     string
	UserID    string
	Purpose   string
	ExpiresAt time.Time
}

// Token purposes.
const (
	PurposeRegistration  = "registration"
	PurposePasswordReset = "password_reset"
)
