package locks

import (
	"sync"
	"time"

	"github.com/convolock/convolock/pkg/models"
)

// Registry owns the mapping from conversation to lock. It hands out one
// shared ConversationLock instance per conversation; callers must never
// copy a lock, only share the pointer the registry returns.
//
// The registry's own mutex guards only map inserts, lookups, and evicts.
// It is held for short critical sections and never while waiting on an
// individual lock, so registry traffic cannot stall behind a slow
// conversation.
//
// Thread Safety:
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	locks map[models.ConversationID]*ConversationLock

	nowFunc func() time.Time
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{
		locks:   make(map[models.ConversationID]*ConversationLock),
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time function for testing. It must be called
// before the registry is shared.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
	for _, lock := range r.locks {
		lock.nowFunc = fn
	}
}

// GetOrCreate returns the lock for the conversation, creating it on first
// reference. Concurrent callers for the same unseen conversation observe
// exactly one created instance.
func (r *Registry) GetOrCreate(id models.ConversationID) *ConversationLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = newConversationLock(id, r.nowFunc)
		r.locks[id] = lock
	}
	return lock
}

// Get returns the lock for the conversation if one exists.
func (r *Registry) Get(id models.ConversationID) (*ConversationLock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	return lock, ok
}

// Snapshot returns a read-only view of every registered lock. The
// registry mutex is held only while copying the pointers; per-lock state
// is read afterward so a long snapshot cannot block acquire/release
// traffic.
func (r *Registry) Snapshot() []LockInfo {
	r.mu.Lock()
	entries := make([]*ConversationLock, 0, len(r.locks))
	for _, lock := range r.locks {
		entries = append(entries, lock)
	}
	r.mu.Unlock()

	infos := make([]LockInfo, 0, len(entries))
	for _, lock := range entries {
		infos = append(infos, lock.Info())
	}
	return infos
}

// EvictIfIdle removes the conversation's entry when its lock is free, has
// no waiters, and has been idle for at least ttl. The check and the
// delete happen under the registry mutex, so an eviction cannot race a
// concurrent GetOrCreate for the same conversation: the other caller
// either gets the old instance before the evict or a fresh one after it.
// Held entries are never evicted regardless of age.
func (r *Registry) EvictIfIdle(id models.ConversationID, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		return false
	}
	if lock.idleFor(r.nowFunc()) < ttl {
		return false
	}
	delete(r.locks, id)
	return true
}

// Len returns the number of registered conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Clear drops every entry. This is a process-teardown operation, not
// per-request logic: in-flight holders keep their lock instances, but the
// registry forgets them.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks = make(map[models.ConversationID]*ConversationLock)
}
