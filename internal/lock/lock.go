// Package lock serialises work on a subscription, an invoice or a wallet.
package lock

import (
	"context"
	"sync"
)

// Locker runs fn while holding an exclusive lock on key
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func SubscriptionKey(subscriptionID string) string {
	return "subscription:" + subscriptionID
}

func InvoiceKey(invoiceID string) string {
	return "invoice:" + invoiceID
}

func WalletKey(walletID string) string {
	return "wallet:" + walletID
}

// MemoryLocker is a process local Locker. Entries are reference counted and
// dropped once the last holder or waiter releases them.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*entry)}
}

func (l *MemoryLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// nested calls for a key the caller already holds run inline
	if Held(ctx, key) {
		return fn(ctx)
	}

	e := l.acquire(key)
	e.mu.Lock()
	defer l.release(key, e)
	defer e.mu.Unlock()

	return fn(withHeld(ctx, key))
}

type heldKey struct{}

// Held reports whether ctx was derived inside WithLock for key
func Held(ctx context.Context, key string) bool {
	held, _ := ctx.Value(heldKey{}).(map[string]struct{})
	_, ok := held[key]
	return ok
}

func withHeld(ctx context.Context, key string) context.Context {
	prev, _ := ctx.Value(heldKey{}).(map[string]struct{})
	next := make(map[string]struct{}, len(prev)+1)
	for k := range prev {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	return context.WithValue(ctx, heldKey{}, next)
}

func (l *MemoryLocker) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// size is the number of live entries
func (l *MemoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
