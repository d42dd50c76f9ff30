package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.olrik.dev/wrangler/internal/store"
)

const (
	// PollInterval is used both while waiting to acquire a lock and while
	// watching a held lock for loss of ownership.
	PollInterval = 150 * time.Millisecond

	// ReapInterval is how often abandoned locks are swept.
	ReapInterval = 30 * time.Second
)

// Locker hands out cooperative cross-process locks backed by the shared
// store. Mutual exclusion relies on the store's conditional writes: a lock
// is only considered acquired when our record lands via compare-and-swap.
type Locker struct {
	store   *store.Store
	session string
	counter atomic.Uint64
}

func NewLocker(s *store.Store) *Locker {
	return &Locker{
		store:   s,
		session: uuid.NewString(),
	}
}

// Held represents an acquired lock. Context is cancelled if the stored
// record stops carrying our token before Release, which happens when the
// deadline lapses and a competitor claims the lock. The protected operation
// must observe that cancellation and abort.
type Held struct {
	Name  string
	Token string

	locker    *Locker
	record    []byte // the exact bytes we wrote when claiming
	ctx       context.Context
	cancel    context.CancelCauseFunc
	watchStop chan struct{}
	watchDone chan struct{}
	once      sync.Once
}

// ErrLockLost is the cancellation cause when a held lock is taken over.
var ErrLockLost = fmt.Errorf("lock lost to another holder")

// Context is cancelled when lock ownership is lost or the parent context
// given to Acquire is cancelled.
func (h *Held) Context() context.Context {
	return h.ctx
}

// Release clears the lock record and stops the ownership watch. The clear is
// conditional on the record still being ours: after a takeover the new
// holder's record is left alone. Safe to call more than once.
func (h *Held) Release() {
	h.once.Do(func() {
		close(h.watchStop)
		<-h.watchDone
		if _, err := h.locker.store.CompareAndDelete(store.LockKey(h.Name), h.record); err != nil {
			slog.Warn("Failed to clear lock record", "lock", h.Name, "error", err)
		}
		h.cancel(nil)
	})
}

// Acquire blocks until the lock is acquired or ctx is cancelled. It never
// fails with "lock busy": a competing holder is simply waited out until its
// deadline lapses or it releases. timeout determines the deadline baked into
// the record we write, i.e. how long competitors will wait for us at most if
// we crash without releasing.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) (*Held, error) {
	token := fmt.Sprintf("%s-%d", l.session, l.counter.Add(1))
	key := store.LockKey(name)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	var record []byte
	for {
		written, claimed, err := l.tryClaim(key, token, timeout)
		if err != nil {
			return nil, err
		}
		if claimed {
			record = written
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	held := &Held{
		Name:      name,
		Token:     token,
		locker:    l,
		record:    record,
		watchStop: make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	held.ctx, held.cancel = context.WithCancelCause(ctx)
	go l.watch(held)

	slog.Debug("Acquired lock", "lock", name, "token", token)
	return held, nil
}

// WithLock runs fn while holding the named lock, releasing it when fn
// returns, whether it succeeds or not. fn receives a context that is
// cancelled if lock ownership is lost mid-operation.
func (l *Locker) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	held, err := l.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer held.Release()
	return fn(held.Context())
}

// tryClaim makes a single conditional-write attempt at the lock. It succeeds
// when the record is absent, expired, or malformed, and our replacement
// lands atomically against that exact prior state. On success it returns the
// bytes written, which the later conditional release matches against.
func (l *Locker) tryClaim(key, token string, timeout time.Duration) ([]byte, bool, error) {
	raw, exists, err := l.store.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read lock record: %w", err)
	}

	var old []byte
	if exists {
		var rec store.LockRecord
		if err := json.Unmarshal(raw, &rec); err == nil && rec.HolderToken != "" && !rec.Expired(time.Now()) {
			// Held by a live competitor, keep waiting.
			return nil, false, nil
		}
		// Expired or malformed: replace exactly what we read so a fresh
		// acquisition by someone else is never clobbered.
		old = raw
	}

	rec := store.LockRecord{
		HolderToken: token,
		Deadline:    time.Now().Add(timeout + 2*PollInterval),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}

	swapped, err := l.store.CompareAndSwap(key, old, data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to write lock record: %w", err)
	}
	return data, swapped, nil
}

// watch re-reads the lock record while held and cancels the protected
// operation if our token is no longer current.
func (l *Locker) watch(h *Held) {
	defer close(h.watchDone)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	key := store.LockKey(h.Name)
	for {
		select {
		case <-h.watchStop:
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}

		raw, exists, err := l.store.Get(key)
		if err != nil {
			slog.Warn("Failed to re-read held lock", "lock", h.Name, "error", err)
			continue
		}

		var rec store.LockRecord
		if !exists || json.Unmarshal(raw, &rec) != nil || rec.HolderToken != h.Token {
			slog.Warn("Lock ownership lost, cancelling protected operation", "lock", h.Name)
			h.cancel(ErrLockLost)
			return
		}
	}
}
