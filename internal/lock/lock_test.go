package lock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.olrik.dev/wrangler/internal/store"
)

// quietLogger silences slog output during the test
func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAcquire_Uncontended(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)
	l := NewLocker(s)

	held, err := l.Acquire(context.Background(), "gitpod.example.com", 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer held.Release()

	// The persisted record must carry our token
	raw, ok, err := s.Get(store.LockKey("gitpod.example.com"))
	if err != nil || !ok {
		t.Fatalf("expected lock record in store (ok=%v, err=%v)", ok, err)
	}
	var rec store.LockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("lock record not valid JSON: %v", err)
	}
	if rec.HolderToken != held.Token {
		t.Errorf("expected holder token %q, got %q", held.Token, rec.HolderToken)
	}
	if !rec.Deadline.After(time.Now()) {
		t.Error("expected deadline in the future")
	}
}

func TestAcquire_BlocksWhileHeld(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)
	l := NewLocker(s)

	held, err := l.Acquire(context.Background(), "contended", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer held.Release()

	// A competitor must not get the lock while the deadline holds
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	other := NewLocker(s)
	if _, err := other.Acquire(ctx, "contended", 10*time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded waiting for held lock, got %v", err)
	}
}

func TestAcquire_AfterRelease(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)
	l := NewLocker(s)

	held, err := l.Acquire(context.Background(), "handoff", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	other := NewLocker(s)
	second, err := other.Acquire(ctx, "handoff", 10*time.Second)
	if err != nil {
		t.Fatalf("expected reacquire after release, got %v", err)
	}
	second.Release()
}

func TestAcquire_TakesOverExpiredLock(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)

	// Simulate a crashed holder: a record whose deadline already lapsed
	rec := store.LockRecord{HolderToken: "crashed-1", Deadline: time.Now().Add(-time.Second)}
	data, _ := json.Marshal(rec)
	if err := s.Put(store.LockKey("abandoned"), data); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l := NewLocker(s)
	held, err := l.Acquire(ctx, "abandoned", 10*time.Second)
	if err != nil {
		t.Fatalf("expected takeover of expired lock, got %v", err)
	}
	held.Release()
}

func TestAcquire_TakesOverMalformedRecord(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)

	if err := s.Put(store.LockKey("broken"), []byte("not json")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l := NewLocker(s)
	held, err := l.Acquire(ctx, "broken", 10*time.Second)
	if err != nil {
		t.Fatalf("expected takeover of malformed record, got %v", err)
	}
	held.Release()
}

func TestHeld_ContextCancelledOnTakeover(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)
	l := NewLocker(s)

	held, err := l.Acquire(context.Background(), "stolen", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer held.Release()

	// Overwrite the record with a foreign token, as a competitor that
	// claimed the lock after our deadline lapsed would
	rec := store.LockRecord{HolderToken: "competitor-1", Deadline: time.Now().Add(time.Minute)}
	data, _ := json.Marshal(rec)
	if err := s.Put(store.LockKey("stolen"), data); err != nil {
		t.Fatal(err)
	}

	select {
	case <-held.Context().Done():
		if cause := context.Cause(held.Context()); !errors.Is(cause, ErrLockLost) {
			t.Errorf("expected cause ErrLockLost, got %v", cause)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected held context to be cancelled after takeover")
	}
}

func TestHeld_ReleaseAfterTakeoverKeepsNewHolder(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)
	l := NewLocker(s)

	held, err := l.Acquire(context.Background(), "taken", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// A competitor claims the lock, as after our deadline lapsed
	rec := store.LockRecord{HolderToken: "competitor-1", Deadline: time.Now().Add(time.Minute)}
	data, _ := json.Marshal(rec)
	if err := s.Put(store.LockKey("taken"), data); err != nil {
		t.Fatal(err)
	}

	// Our release must not clobber the new holder's record
	held.Release()

	raw, ok, err := s.Get(store.LockKey("taken"))
	if err != nil || !ok {
		t.Fatalf("expected new holder's record to survive release (ok=%v, err=%v)", ok, err)
	}
	var got store.LockRecord
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("lock record not valid JSON: %v", err)
	}
	if got.HolderToken != "competitor-1" {
		t.Errorf("expected competitor's token to remain, got %q", got.HolderToken)
	}
}

func TestHeld_ReleaseIsIdempotent(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)
	l := NewLocker(s)

	held, err := l.Acquire(context.Background(), "double", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	held.Release()
	held.Release() // Must not panic or block

	if _, ok, _ := s.Get(store.LockKey("double")); ok {
		t.Error("expected lock record to be cleared on release")
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)
	l := NewLocker(s)

	wantErr := errors.New("operation failed")
	err := l.WithLock(context.Background(), "scoped", 10*time.Second, func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected operation error, got %v", err)
	}

	// The lock must be free again immediately
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	held, err := l.Acquire(ctx, "scoped", 10*time.Second)
	if err != nil {
		t.Fatalf("expected lock to be free after WithLock, got %v", err)
	}
	held.Release()
}

func TestWithLock_SerializesCompetitors(t *testing.T) {
	quietLogger(t)
	s := openTestStore(t)

	const workers = 4
	inSection := make(chan int, workers)
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		go func() {
			l := NewLocker(s)
			results <- l.WithLock(context.Background(), "critical", 10*time.Second, func(ctx context.Context) error {
				inSection <- 1
				defer func() { <-inSection }()
				if len(inSection) > 1 {
					return errors.New("two holders inside the critical section")
				}
				time.Sleep(50 * time.Millisecond)
				return nil
			})
		}()
	}

	for i := 0; i < workers; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("worker failed: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("workers did not finish in time")
		}
	}
}
