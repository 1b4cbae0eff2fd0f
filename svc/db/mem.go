package db

import (
	"context"
	"sync"
)

// Mem keeps pages in process memory. Data survives re-opening an engine on
// the same Mem value but not a process restart.
type Mem struct {
	mu     sync.RWMutex
	pages  map[uint64][]byte
	closed bool
}

func NewMem() *Mem {
	return &Mem{pages: make(map[uint64][]byte)}
}

func (m *Mem) ReadPage(ctx context.Context, n uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	page, ok := m.pages[n]
	if !ok {
		zero(buf)
		return nil
	}
	if err := checkLen(len(page), len(buf)); err != nil {
		return err
	}
	copy(buf, page)
	return nil
}

func (m *Mem) Commit(ctx context.Context, pages map[uint64][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for n, data := range pages {
		page := make([]byte, len(data))
		copy(page, data)
		m.pages[n] = page
	}
	return nil
}

func (m *Mem) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Mem) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}
