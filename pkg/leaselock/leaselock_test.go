package leaselock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	key string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.key
	return nil
}

// memoryLocks emulates the app_locks table without expiry.
type memoryLocks struct {
	mu       sync.Mutex
	holders  map[string]string
	released int
	renewErr error
}

func newMemoryLocks() *memoryLocks {
	return &memoryLocks{holders: make(map[string]string)}
}

func (m *memoryLocks) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, token := args[0].(string), args[1].(string)
	switch sql {
	case tryAcquireSQL:
		if holder, ok := m.holders[key]; ok && holder != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		m.holders[key] = token
		return fakeRow{key: key}
	case renewSQL:
		if m.renewErr != nil {
			return fakeRow{err: m.renewErr}
		}
		if m.holders[key] != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{key: key}
	}
	return fakeRow{err: errors.New("unexpected query")}
}

func (m *memoryLocks) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, token := args[0].(string), args[1].(string)
	if m.holders[key] == token {
		delete(m.holders, key)
	}
	m.released++
	return pgconn.CommandTag{}, nil
}

func TestAcquire_BusyWithoutWait(t *testing.T) {
	db := newMemoryLocks()
	c := New(db)
	ctx := context.Background()

	lease, err := c.Acquire(ctx, BuildKey("kb1"), Options{})
	if err != nil {
		t.Fatalf("expected lease, got %v", err)
	}
	defer lease.Release(ctx)

	if _, err := c.Acquire(ctx, BuildKey("kb1"), Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	other, err := c.Acquire(ctx, BuildKey("kb2"), Options{})
	if err != nil {
		t.Fatalf("expected independent key to be free, got %v", err)
	}
	_ = other.Release(ctx)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	db := newMemoryLocks()
	c := New(db)
	ctx := context.Background()

	first, err := c.Acquire(ctx, "k", Options{})
	if err != nil {
		t.Fatalf("expected lease, got %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = first.Release(ctx)
	}()

	second, err := c.Acquire(ctx, "k", Options{Wait: true, WaitInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("expected lease after release, got %v", err)
	}
	_ = second.Release(ctx)
}

func TestAcquire_WaitHonoursContext(t *testing.T) {
	db := newMemoryLocks()
	c := New(db)

	held, err := c.Acquire(context.Background(), "k", Options{})
	if err != nil {
		t.Fatalf("expected lease, got %v", err)
	}
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "k", Options{Wait: true, WaitInterval: 5 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWithLease_ReleasesAfterRun(t *testing.T) {
	db := newMemoryLocks()
	c := New(db)

	ran := false
	err := c.WithLease(context.Background(), "k", BuildOptions("worker-1"), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected fn to run")
	}
	if db.released != 1 || len(db.holders) != 0 {
		t.Fatalf("expected lock released, holders=%v", db.holders)
	}
}

func TestLease_LostOnRenewFailure(t *testing.T) {
	db := newMemoryLocks()
	db.renewErr = pgx.ErrNoRows
	c := New(db)

	lease, err := c.Acquire(context.Background(), "k", Options{TTL: 2 * time.Second, RenewEvery: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("expected lease, got %v", err)
	}
	defer lease.Release(context.Background())

	select {
	case <-lease.Context.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("expected lease context to be canceled")
	}
	if cause := context.Cause(lease.Context); !errors.Is(cause, ErrLost) {
		t.Fatalf("expected ErrLost cause, got %v", cause)
	}
}

func TestWithDefaults(t *testing.T) {
	opts := withDefaults(Options{TTL: 10 * time.Second, RenewEvery: time.Minute, WaitJitter: -1})
	if opts.RenewEvery != 5*time.Second {
		t.Fatalf("expected renew every 5s, got %v", opts.RenewEvery)
	}
	if opts.WaitJitter != 0 {
		t.Fatalf("expected jitter 0, got %v", opts.WaitJitter)
	}
	if opts.WaitInterval != 250*time.Millisecond {
		t.Fatalf("expected default wait interval, got %v", opts.WaitInterval)
	}
}
