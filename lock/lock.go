/*
Package lock provides keyed mutual exclusion for guardians and invoices.

PURPOSE:
  Balance mutations are atomic in the store, but some operations read
  several records, decide, and write (payment application, item edits,
  reconciliation apply). Those run under a guardian- or invoice-scoped
  lock so no two of them interleave for the same key.

IMPLEMENTATIONS:
  Local: in-process, one channel semaphore per key, reference counted so
         idle keys are dropped.
  Redis: bsm/redislock on go-redis, for several engine instances sharing
         one database.

ORDERING:
  Callers that need both locks take the invoice lock first, then the
  guardian lock. AcquireAll keeps the order it is given.

TIMEOUTS:
  Acquire never blocks past the context deadline. Without a deadline the
  locker applies its own wait limit and returns billing.ErrLockNotObtained.
*/
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

// Unlock releases a held lock. Safe to call once.
type Unlock func()

// Locker acquires exclusive access to a key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

func GuardianKey(id billing.GuardianID) string { return "guardian:" + string(id) }
func InvoiceKey(id billing.InvoiceID) string   { return "invoice:" + string(id) }

// AcquireAll takes every key in order. On failure the keys already taken are
// released.
func AcquireAll(ctx context.Context, l Locker, keys ...string) (Unlock, error) {
	var held []Unlock
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		u, err := l.Acquire(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, u)
	}
	return release, nil
}

func notObtained(key string, err error) error {
	return fmt.Errorf("%w: %s: %v", billing.ErrLockNotObtained, key, err)
}

// =============================================================================
// LOCAL - In-process keyed locks
// =============================================================================

// DefaultWait bounds how long Acquire waits when ctx has no deadline.
const DefaultWait = 10 * time.Second

type Local struct {
	mu   sync.Mutex
	keys map[string]*entry
	wait time.Duration
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Local{keys: make(map[string]*entry), wait: wait}
}

func (l *Local) Acquire(ctx context.Context, key string) (Unlock, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, notObtained(key, ctx.Err())
	}
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
}

// Held returns the number of keys currently tracked. Used by tests.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
