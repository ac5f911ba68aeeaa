// Package locks implements the per-conversation concurrency coordinator's
// locking layer: a conversation-keyed registry of mutual-exclusion locks
// with token-based ownership, cooperative (cancellable) waiting, and
// background housekeeping.
//
// Design constraints the package enforces:
//
//   - At most one inference call is in flight per conversation. Callers
//     that find a conversation busy get an immediate signal instead of
//     queueing silently.
//   - A lock can only be released by the caller holding its current
//     ownership token. Stale and duplicate releases are no-ops, so no
//     external actor can strip ownership out from under a holder.
//   - Waiting for a lock suspends a goroutine on a channel select; no OS
//     thread is blocked and the wait is bounded by a timeout and the
//     caller's context.
//
// The watchdog (watchdog.go) observes lock state without the ability to
// mutate it; the reaper (reaper.go) bounds registry growth by evicting
// idle entries.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convolock/convolock/pkg/models"
)

var (
	// ErrLockTimeout is returned when a waiting acquire exceeds its timeout.
	ErrLockTimeout = errors.New("locks: acquisition timeout")
)

// DefaultAcquireTimeout bounds waiting acquires when no timeout is given.
const DefaultAcquireTimeout = 5 * time.Second

// Token proves ownership of a ConversationLock. It is an opaque value,
// unique per successful acquisition, and is required to release the lock.
// A Token is deliberately not a goroutine or worker identity: ownership
// can move across goroutines with the request that holds it.
type Token string

// NoToken is the zero Token. Release(NoToken) is always a no-op.
const NoToken Token = ""

// ConversationLock is a mutual-exclusion primitive bound to one
// conversation. The zero value is not usable; locks are created by the
// Registry and shared by everyone resolving the same conversation.
//
// Thread Safety:
// ConversationLock is safe for concurrent use.
type ConversationLock struct {
	id models.ConversationID

	// slot holds one value when the lock is free. Acquisition is a
	// channel receive, which makes TryAcquire a non-blocking select and
	// Acquire a cancellable suspension point.
	slot chan struct{}

	mu         sync.Mutex
	holder     Token
	acquiredAt time.Time
	releasedAt time.Time
	waiters    int

	nowFunc func() time.Time
}

func newConversationLock(id models.ConversationID, now func() time.Time) *ConversationLock {
	l := &ConversationLock{
		id:      id,
		slot:    make(chan struct{}, 1),
		nowFunc: now,
	}
	l.slot <- struct{}{}
	l.releasedAt = now()
	return l
}

// ID returns the conversation this lock serializes.
func (l *ConversationLock) ID() models.ConversationID {
	return l.id
}

// TryAcquire attempts to take the lock without waiting. It returns the
// ownership token and true on success, or NoToken and false immediately
// if the lock is held. This is the busy-detection path: a conversation
// that is already processing must answer "busy" at once, never queue.
func (l *ConversationLock) TryAcquire() (Token, bool) {
	select {
	case <-l.slot:
		return l.grant(), true
	default:
		return NoToken, false
	}
}

// Acquire waits for the lock to become free, up to timeout. The wait is
// cooperative: the goroutine parks on a channel select and wakes on the
// first of lock availability, timeout expiry, or context cancellation.
// A timeout of zero or less falls back to DefaultAcquireTimeout.
//
// On timeout Acquire returns ErrLockTimeout; on cancellation it returns
// ctx.Err(). In both cases the lock was never held and there is nothing
// to release.
func (l *ConversationLock) Acquire(ctx context.Context, timeout time.Duration) (Token, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	l.mu.Lock()
	l.waiters++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiters--
		l.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.slot:
		return l.grant(), nil
	case <-timer.C:
		return NoToken, ErrLockTimeout
	case <-ctx.Done():
		return NoToken, ctx.Err()
	}
}

// Release frees the lock if token matches the current holder. Releasing
// with a stale, already-released, or zero token is a no-op: it never
// errors and never touches another holder's ownership. Safe to call from
// a defer on every exit path.
func (l *ConversationLock) Release(token Token) {
	if token == NoToken {
		return
	}

	l.mu.Lock()
	if l.holder != token {
		l.mu.Unlock()
		return
	}
	l.holder = NoToken
	l.releasedAt = l.nowFunc()
	l.mu.Unlock()

	// The holder check above guarantees the slot is empty here; the
	// default arm keeps Release non-blocking regardless.
	select {
	case l.slot <- struct{}{}:
	default:
	}
}

// Held reports whether the lock currently has a holder.
func (l *ConversationLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != NoToken
}

// Info returns a point-in-time view of the lock for diagnostics.
func (l *ConversationLock) Info() LockInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LockInfo{
		ConversationID: l.id,
		Held:           l.holder != NoToken,
		AcquiredAt:     l.acquiredAt,
		ReleasedAt:     l.releasedAt,
		Waiters:        l.waiters,
	}
}

// grant records ownership after the caller has taken the slot.
func (l *ConversationLock) grant() Token {
	token := Token(uuid.NewString())
	l.mu.Lock()
	l.holder = token
	l.acquiredAt = l.nowFunc()
	l.mu.Unlock()
	return token
}

// idleFor returns how long the lock has been free, or 0 when it is held
// or has waiters parked on it.
func (l *ConversationLock) idleFor(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != NoToken || l.waiters > 0 {
		return 0
	}
	return now.Sub(l.releasedAt)
}

// LockInfo is a read-only snapshot of one lock's state.
type LockInfo struct {
	ConversationID models.ConversationID `json:"conversation_id"`
	Held           bool                  `json:"held"`
	AcquiredAt     time.Time             `json:"acquired_at,omitzero"`
	ReleasedAt     time.Time             `json:"released_at,omitzero"`
	Waiters        int                   `json:"waiters"`
}

// HeldFor returns how long the lock has been held as of now, or 0 if it
// is free.
func (i LockInfo) HeldFor(now time.Time) time.Duration {
	if !i.Held || i.AcquiredAt.IsZero() {
		return 0
	}
	return now.Sub(i.AcquiredAt)
}
