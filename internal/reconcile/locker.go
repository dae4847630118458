package reconcile

import (
	"context"
	"slices"
	"sync"
)

// Locker serializes the apply phase of runs that touch the same collections.
type Locker interface {
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}

// KeyedLocker serializes in-process runs per collection key.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewKeyedLocker constructs an in-process per-key locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]chan struct{})}
}

// Lock acquires every key in sorted order, waiting until ctx is done.
func (l *KeyedLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	ordered := slices.Clone(keys)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	acquired := make([]chan struct{}, 0, len(ordered))
	release := func() {
		for index := len(acquired) - 1; index >= 0; index-- {
			<-acquired[index]
		}
	}
	for _, key := range ordered {
		slot := l.slot(key)
		select {
		case slot <- struct{}{}:
			acquired = append(acquired, slot)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (l *KeyedLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	return slot
}

// ChainLockers acquires each locker in order and releases them in reverse.
func ChainLockers(lockers ...Locker) Locker {
	return chainLocker(lockers)
}

type chainLocker []Locker

func (c chainLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	releases := make([]func(), 0, len(c))
	release := func() {
		for index := len(releases) - 1; index >= 0; index-- {
			releases[index]()
		}
	}
	for _, locker := range c {
		if locker == nil {
			continue
		}
		unlock, err := locker.Lock(ctx, keys)
		if err != nil {
			release()
			return nil, err
		}
		releases = append(releases, unlock)
	}
	return release, nil
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, []string) (func(), error) {
	return func() {}, nil
}
