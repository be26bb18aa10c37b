// Package persist is the durable side of the write-behind pipeline: the
// Store interface the core depends on, a postgres implementation, and the
// ordered queue that applies cache mutations to the store asynchronously.
package persist

import (
	"context"

	"github.com/parley-chat/parley/internal/server/cache"
)

// Store is the durable-store collaborator. The cache is bootstrapped once
// from the All* reads before serving traffic; the per-mutation writes are
// invoked asynchronously by the queue, after the cache has already been
// updated.
type Store interface {
	// Bootstrap bulk reads, performed sequentially at startup.
	AllUsers(ctx context.Context) ([]cache.User, error)
	AllChats(ctx context.Context) ([]cache.Chat, error)
	AllMemberships(ctx context.Context) ([]cache.Membership, error)
	AllPersonalPairs(ctx context.Context) ([]cache.PersonalPair, error)
	AllTokens(ctx context.Context) ([]cache.VerificationToken, error)

	// Per-mutation writes.
	SaveUser(ctx context.Context, u cache.User) error
	UpdateUser(ctx context.Context, u cache.User) error
	SaveChat(ctx context.Context, ch cache.Chat) error
	UpdateChat(ctx context.Context, ch cache.Chat) error
	UpsertMembership(ctx context.Context, m cache.Membership) error
	SavePersonalPair(ctx context.Context, p cache.PersonalPair) error
	DeletePersonalPair(ctx context.Context, userA, userB string) error
	SaveToken(ctx context.Context, tok cache.VerificationToken) error
	DeleteToken(ctx context.Context, token string) error

	Close() error
}
