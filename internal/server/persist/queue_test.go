package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/server/cache"
)

// stubStore satisfies Store; queue tests drive behavior through Job.Op
// closures instead.
type stubStore struct{}

func (stubStore) AllUsers(context.Context) ([]cache.User, error) { return nil, nil }
func (stubStore) AllChats(context.Context) ([]cache.Chat, error) { return nil, nil }
func (stubStore) AllMemberships(context.Context) ([]cache.Membership, error) {
	return nil, nil
}
func (stubStore) AllPersonalPairs(context.Context) ([]cache.PersonalPair, error) {
	return nil, nil
}
func (stubStore) AllTokens(context.Context) ([]cache.VerificationToken, error) {
	return nil, nil
}
func (stubStore) SaveUser(context.Context, cache.User) error                 { return nil }
func (stubStore) UpdateUser(context.Context, cache.User) error               { return nil }
func (stubStore) SaveChat(context.Context, cache.Chat) error                 { return nil }
func (stubStore) UpdateChat(context.Context, cache.Chat) error               { return nil }
func (stubStore) UpsertMembership(context.Context, cache.Membership) error   { return nil }
func (stubStore) SavePersonalPair(context.Context, cache.PersonalPair) error { return nil }
func (stubStore) DeletePersonalPair(ctx context.Context, a, b string) error  { return nil }
func (stubStore) SaveToken(context.Context, cache.VerificationToken) error   { return nil }
func (stubStore) DeleteToken(context.Context, string) error                  { return nil }
func (stubStore) Close() error                                               { return nil }

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// recorder collects the order in which jobs ran.
type recorder struct {
	mu  sync.Mutex
	seq []int
}

func (r *recorder) job(i int) Job {
	return Job{Name: "record", Op: func(ctx context.Context, s Store) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seq = append(r.seq, i)
		return nil
	}}
}

func (r *recorder) recorded() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.seq))
	copy(out, r.seq)
	return out
}

func TestQueue_PreservesSubmissionOrder(t *testing.T) {
	q := NewQueue(stubStore{}, testLogger(), 64)
	q.Start()

	var r recorder
	const n = 50
	for i := 0; i < n; i++ {
		q.Enqueue(r.job(i))
	}
	q.Close()

	got := r.recorded()
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i], "jobs must apply in submission order")
	}
}

func TestQueue_SaturationRunsSynchronously(t *testing.T) {
	// Consumer not started: the single slot fills and the next write must
	// run on the submitting goroutine instead of being dropped.
	q := NewQueue(stubStore{}, testLogger(), 1)

	var r recorder
	q.Enqueue(r.job(0)) // parks in the channel
	q.Enqueue(r.job(1)) // no room: runs inline

	assert.Equal(t, []int{1}, r.recorded(), "overflow job runs on the caller")

	q.Start()
	q.Close()
	assert.ElementsMatch(t, []int{0, 1}, r.recorded())
}

func TestQueue_FailuresDoNotStopConsumer(t *testing.T) {
	q := NewQueue(stubStore{}, testLogger(), 8)
	q.Start()

	var r recorder
	q.Enqueue(Job{Name: "boom", Op: func(ctx context.Context, s Store) error {
		return errors.New("db down")
	}})
	q.Enqueue(r.job(7))
	q.Close()

	assert.Equal(t, []int{7}, r.recorded(), "a failing write must not wedge the queue")
}

func TestQueue_CloseDrainsBacklog(t *testing.T) {
	q := NewQueue(stubStore{}, testLogger(), 64)

	var r recorder
	for i := 0; i < 10; i++ {
		q.Enqueue(r.job(i))
	}

	// Nothing ran yet: the consumer starts late and Close must still wait
	// for the full backlog.
	assert.Empty(t, r.recorded())

	q.Start()
	q.Close()

	assert.Len(t, r.recorded(), 10)
}

func TestQueue_EnqueueAfterCloseIsDropped(t *testing.T) {
	q := NewQueue(stubStore{}, testLogger(), 8)
	q.Start()
	q.Close()

	var r recorder
	q.Enqueue(r.job(0))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.recorded())
}

func TestQueue_CloseTwice(t *testing.T) {
	q := NewQueue(stubStore{}, testLogger(), 8)
	q.Start()
	q.Close()
	q.Close()
}

func TestNewQueue_DefaultCapacity(t *testing.T) {
	q := NewQueue(stubStore{}, testLogger(), 0)
	assert.Equal(t, DefaultQueueCapacity, cap(q.jobs))
}
