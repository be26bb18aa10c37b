package chat

import "github.com/parley-chat/parley/internal/server/cache"

// validator holds the stateless business-rule checks. It reads only through
// the cache; callers must hold the coordinator locks covering the entities
// being checked.
type validator struct {
	cache *cache.Cache
}

func (v validator) activeUser(userID string) (cache.User, error) {
	u, ok := v.cache.UserByID(userID)
	if !ok || !u.Active() {
		return cache.User{}, validationf("User not found or inactive")
	}
	return u, nil
}

func (v validator) activeChat(chatID string) (cache.Chat, error) {
	ch, ok := v.cache.ChatByID(chatID)
	if !ok || ch.Deleted {
		return cache.Chat{}, validationf("Chat not found or deleted")
	}
	return ch, nil
}

func (v validator) activeMember(chatID, userID string) (cache.Membership, error) {
	m, ok := v.cache.Membership(chatID, userID)
	if !ok || m.Deleted {
		return cache.Membership{}, validationf("User is not a member of this chat")
	}
	return m, nil
}

func (v validator) admin(chatID, userID string) (cache.Membership, error) {
	m, err := v.activeMember(chatID, userID)
	if err != nil {
		return cache.Membership{}, err
	}
	if !m.Admin {
		return cache.Membership{}, validationf("User is not an admin of this chat")
	}
	return m, nil
}

func (v validator) distinct(a, b string, reason string) error {
	if a == b {
		return &ValidationError{Reason: reason}
	}
	return nil
}
