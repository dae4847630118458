package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedLockerSerializesSharedKeys(t *testing.T) {
	locker := NewKeyedLocker()
	unlock, err := locker.Lock(context.Background(), []string{"google", "github"})
	if err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		release, err := locker.Lock(context.Background(), []string{"github"})
		if err == nil {
			release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("expected second lock to wait for the shared key")
	case <-time.After(100 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected second lock after release")
	}
}

func TestKeyedLockerAllowsDisjointKeys(t *testing.T) {
	locker := NewKeyedLocker()
	unlock, err := locker.Lock(context.Background(), []string{"google"})
	if err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	release, err := locker.Lock(ctx, []string{"github", "github"})
	if err != nil {
		t.Fatalf("expected disjoint keys to lock immediately: %v", err)
	}
	release()
}

func TestKeyedLockerHonorsContext(t *testing.T) {
	locker := NewKeyedLocker()
	unlock, err := locker.Lock(context.Background(), []string{"google"})
	if err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, []string{"amazon", "google"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	release, err := locker.Lock(context.Background(), []string{"amazon"})
	if err != nil {
		t.Fatalf("expected partially acquired keys to be released: %v", err)
	}
	release()
}

func TestChainLockersReleasesInReverse(t *testing.T) {
	var order []string
	tracking := func(name string) Locker {
		return lockerFunc(func(context.Context, []string) (func(), error) {
			order = append(order, "lock:"+name)
			return func() { order = append(order, "unlock:"+name) }, nil
		})
	}

	unlock, err := ChainLockers(tracking("a"), nil, tracking("b")).Lock(context.Background(), []string{"k"})
	if err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	unlock()

	want := []string{"lock:a", "lock:b", "unlock:b", "unlock:a"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for index := range want {
		if order[index] != want[index] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

type lockerFunc func(ctx context.Context, keys []string) (func(), error)

func (f lockerFunc) Lock(ctx context.Context, keys []string) (func(), error) {
	return f(ctx, keys)
}
