package session

import "sync"

// mailbox is an unbounded multi-producer queue with a wake-up signal.
// post never blocks; the single consumer waits on signal and drains in batches.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (b *mailbox[T]) post(v T) {
	b.mu.Lock()
	b.items = append(b.items, v)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// drain returns everything posted so far, oldest first
func (b *mailbox[T]) drain() []T {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

// pop removes the oldest item
func (b *mailbox[T]) pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if len(b.items) == 0 {
		return zero, false
	}
	v := b.items[0]
	b.items[0] = zero
	b.items = b.items[1:]
	return v, true
}

func (b *mailbox[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
