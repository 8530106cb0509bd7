package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu     sync.Mutex
	state  map[string][]byte
	events []Event
	closed bool
}

func NewMemory() *Memory {
	return &Memory{state: map[string][]byte{}}
}

func (m *Memory) SaveState(_ context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.state[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) LoadState(_ context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	b, ok := m.state[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *Memory) AppendEvent(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the appended events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
