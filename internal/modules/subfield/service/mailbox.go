package service

import "sync"

// mailbox is a FIFO between a producer that must not block and a consumer
// reading from Out. A limit of zero means unbounded.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	limit  int
	closed bool
	signal chan struct{}
	abort  chan struct{}
	once   sync.Once
	out    chan T
}

func newMailbox[T any](limit int) *mailbox[T] {
	m := &mailbox[T]{
		limit:  limit,
		signal: make(chan struct{}, 1),
		abort:  make(chan struct{}),
		out:    make(chan T),
	}
	go m.pump()
	return m
}

// Push enqueues v. It reports false when the mailbox is full or closed.
func (m *mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed || (m.limit > 0 && len(m.items) >= m.limit) {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting items; Out closes once queued items are delivered.
func (m *mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Abort discards queued items and closes Out promptly.
func (m *mailbox[T]) Abort() {
	m.Close()
	m.once.Do(func() { close(m.abort) })
}

func (m *mailbox[T]) Out() <-chan T {
	return m.out
}

func (m *mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mailbox[T]) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-m.signal:
				continue
			case <-m.abort:
				return
			}
		}
		var zero T
		next := m.items[0]
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		select {
		case m.out <- next:
		case <-m.abort:
			return
		}
	}
}
