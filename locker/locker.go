// Package locker serializes read-modify-write cycles on a single user's
// ledger. Keys are independent: holding one never blocks another.
package locker

import (
	"context"
	"sync"
)

// Locker hands out exclusive leases per key.
type Locker interface {
	// Acquire blocks until the key is free or ctx is done.
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Local is an in-process keyed mutex. Entries are dropped once nobody holds
// or waits on them.
type Local struct {
	mu   sync.Mutex
	keys map[string]*localKey
}

type localKey struct {
	sem  chan struct{}
	refs int
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{keys: make(map[string]*localKey)}
}

// Acquire implements Locker.
func (l *Local) Acquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	k, ok := l.keys[key]
	if !ok {
		k = &localKey{sem: make(chan struct{}, 1)}
		l.keys[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.sem <- struct{}{}:
		return &localLease{owner: l, key: key, k: k}, nil
	case <-ctx.Done():
		l.drop(key, k)
		return nil, ctx.Err()
	}
}

// Held returns the number of keys currently held or waited on.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Local) drop(key string, k *localKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.keys, key)
	}
}

type localLease struct {
	owner *Local
	key   string
	k     *localKey
	once  sync.Once
}

func (s *localLease) Release(context.Context) error {
	s.once.Do(func() {
		<-s.k.sem
		s.owner.drop(s.key, s.k)
	})
	return nil
}
