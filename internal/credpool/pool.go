// Package credpool provides a shared rotating pool of interchangeable API keys.
package credpool

import (
	"sync/atomic"
)

// Pool is an ordered set of API keys with a single shared rotation cursor.
// The cursor is process-local and rebuilt on restart; rotation order matters,
// the starting position does not. Advancing is an atomic increment so
// concurrent callers get approximate round-robin without any lock around the
// surrounding call.
type Pool struct {
	keys   []string
	cursor atomic.Uint64
}

// New creates a pool over the given keys. The slice is copied; an empty pool
// is valid but Current and Advance will return the empty string.
func New(keys []string) *Pool {
	p := &Pool{keys: make([]string, len(keys))}
	copy(p.keys, keys)
	return p
}

// Size returns the number of keys in the pool.
func (p *Pool) Size() int {
	return len(p.keys)
}

// Current returns the key at the current cursor position without advancing.
func (p *Pool) Current() string {
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[p.cursor.Load()%uint64(len(p.keys))]
}

// Advance moves the cursor to the next key (wrapping around) and returns it.
func (p *Pool) Advance() string {
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[p.cursor.Add(1)%uint64(len(p.keys))]
}

// RetryBudget is the number of attempts a caller should make before giving
// up: one per key, capped at 10.
func (p *Pool) RetryBudget() int {
	if len(p.keys) < 10 {
		return len(p.keys)
	}
	return 10
}
