package cache

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Pages is a bounded cache of committed page images keyed by page number.
// Values are copied on the way in and out so callers can scribble on them.
type Pages struct {
	c  *lru.Cache[uint64, []byte]
	mu sync.Mutex
}

func NewPages(size int) (*Pages, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1<<20 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[uint64, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Pages{c: c}, nil
}

func (p *Pages) Get(n uint64, dst []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	page, ok := p.c.Get(n)
	if !ok {
		return false
	}
	copy(dst, page)
	return true
}

func (p *Pages) Set(n uint64, page []byte) {
	buf := make([]byte, len(page))
	copy(buf, page)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Add(n, buf)
}

func (p *Pages) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Purge()
}
