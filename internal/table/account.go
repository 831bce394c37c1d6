package table

import (
	"context"
	"sync"
	"sync/atomic"
)

// Account is a shared write buffer budget. Every change is propagated to the
// parent, so a table account feeds its space and the space feeds the
// database wide account.
type Account struct {
	name   string
	limit  int64
	used   atomic.Int64
	parent *Account

	mu       sync.Mutex
	released chan struct{}
}

// NewAccount creates an account. A zero limit disables the ceiling.
func NewAccount(name string, limit int64, parent *Account) *Account {
	return &Account{name: name, limit: limit, parent: parent}
}

func (a *Account) Name() string {
	return a.name
}

func (a *Account) Limit() int64 {
	return a.limit
}

func (a *Account) Used() int64 {
	return a.used.Load()
}

func (a *Account) Grow(n int64) {
	for acc := a; acc != nil; acc = acc.parent {
		acc.used.Add(n)
	}
}

func (a *Account) Shrink(n int64) {
	for acc := a; acc != nil; acc = acc.parent {
		acc.used.Add(-n)
		acc.wake()
	}
}

// Exceeded reports whether the ceiling is enabled and reached.
func (a *Account) Exceeded() bool {
	return a.limit > 0 && a.used.Load() >= a.limit
}

// Saturated reports whether usage stays above twice the ceiling, the point
// where writers have to wait for flushes.
func (a *Account) Saturated() bool {
	return a.limit > 0 && a.used.Load() >= 2*a.limit
}

func (a *Account) wake() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released != nil {
		close(a.released)
		a.released = nil
	}
}

func (a *Account) waitCh() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released == nil {
		a.released = make(chan struct{})
	}
	return a.released
}

// WaitAvailable blocks while this account or any ancestor is saturated.
func (a *Account) WaitAvailable(ctx context.Context) error {
	for acc := a; acc != nil; acc = acc.parent {
		for acc.Saturated() {
			ch := acc.waitCh()
			if !acc.Saturated() {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
		}
	}
	return nil
}
