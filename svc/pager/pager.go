// Package pager turns a page backend into a flat byte address space with
// transactional writes.
//
// Reads outside a transaction only ever observe committed pages. A Tx
// buffers whole dirty pages, sees its own writes, and hands every dirty page
// to the backend in a single Commit call so the backend can make them
// durable atomically.
package pager

import (
	"context"
	"pastebin/metrics"
	"pastebin/svc/cache"
	"pastebin/svc/db"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultPageSize = 4096

var ErrTxDone = errors.New("transaction already committed or rolled back")

type Options struct {
	PageSize  int
	CacheSize int
}

func (o *Options) FillDefaults() {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.CacheSize == 0 {
		o.CacheSize = 256
	}
}

type Pager struct {
	backend  db.Backend
	pageSize int
	cache    *cache.Pages
	// commitMu orders cache refreshes with concurrent cache fills.
	commitMu sync.RWMutex
}

func New(backend db.Backend, opts Options) (*Pager, error) {
	opts.FillDefaults()
	if opts.PageSize <= 0 {
		return nil, errors.Errorf("invalid page size %d", opts.PageSize)
	}
	c, err := cache.NewPages(opts.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "page cache")
	}
	return &Pager{backend: backend, pageSize: opts.PageSize, cache: c}, nil
}

func (p *Pager) PageSize() int { return p.pageSize }

// ReadAt fills b with committed bytes starting at off.
func (p *Pager) ReadAt(ctx context.Context, b []byte, off uint64) error {
	return p.readAt(ctx, nil, b, off)
}

func (p *Pager) readAt(ctx context.Context, dirty map[uint64][]byte, b []byte, off uint64) error {
	ps := uint64(p.pageSize)
	var page []byte
	for len(b) > 0 {
		n := off / ps
		inPage := off % ps
		var src []byte
		if d, ok := dirty[n]; ok {
			src = d
		} else {
			if page == nil {
				page = make([]byte, p.pageSize)
			}
			if err := p.readPage(ctx, n, page); err != nil {
				return err
			}
			src = page
		}
		c := copy(b, src[inPage:])
		b = b[c:]
		off += uint64(c)
	}
	return nil
}

func (p *Pager) readPage(ctx context.Context, n uint64, buf []byte) error {
	p.commitMu.RLock()
	defer p.commitMu.RUnlock()
	if p.cache.Get(n, buf) {
		metrics.PageCacheHits.Inc()
		return nil
	}
	metrics.PageCacheMisses.Inc()
	if err := p.backend.ReadPage(ctx, n, buf); err != nil {
		return errors.Wrapf(err, "read page %d", n)
	}
	p.cache.Set(n, buf)
	return nil
}

// Begin starts a write transaction. The pager does not serialise writers;
// callers hold their own writer lock across Begin..Commit.
func (p *Pager) Begin() *Tx {
	return &Tx{p: p, dirty: make(map[uint64][]byte)}
}

type Tx struct {
	p          *Pager
	dirty      map[uint64][]byte
	onCommit   []func()
	onRollback []func()
	done       bool
}

func (tx *Tx) ReadAt(ctx context.Context, b []byte, off uint64) error {
	if tx.done {
		return ErrTxDone
	}
	return tx.p.readAt(ctx, tx.dirty, b, off)
}

func (tx *Tx) WriteAt(ctx context.Context, b []byte, off uint64) error {
	if tx.done {
		return ErrTxDone
	}
	ps := uint64(tx.p.pageSize)
	for len(b) > 0 {
		n := off / ps
		inPage := off % ps
		page, ok := tx.dirty[n]
		if !ok {
			page = make([]byte, tx.p.pageSize)
			if inPage != 0 || uint64(len(b)) < ps {
				if err := tx.p.readPage(ctx, n, page); err != nil {
					return err
				}
			}
			tx.dirty[n] = page
		}
		c := copy(page[inPage:], b)
		b = b[c:]
		off += uint64(c)
	}
	return nil
}

// OnCommit registers fn to run after the backend accepted the commit.
func (tx *Tx) OnCommit(fn func()) { tx.onCommit = append(tx.onCommit, fn) }

// OnRollback registers fn to run when the transaction is abandoned or its
// commit fails. Hooks run in reverse registration order.
func (tx *Tx) OnRollback(fn func()) { tx.onRollback = append(tx.onRollback, fn) }

// Dirty reports how many pages the transaction has staged.
func (tx *Tx) Dirty() int { return len(tx.dirty) }

func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	if tx.Dirty() == 0 {
		tx.finish(true)
		return nil
	}
	start := time.Now()
	tx.p.commitMu.Lock()
	err := tx.p.backend.Commit(ctx, tx.dirty)
	if err == nil {
		for n, page := range tx.dirty {
			tx.p.cache.Set(n, page)
		}
	} else {
		// A failed commit may have applied part of the set.
		tx.p.cache.Purge()
	}
	tx.p.commitMu.Unlock()
	metrics.CommitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		tx.finish(false)
		return errors.Wrap(err, "commit")
	}
	metrics.PagesWritten.Add(float64(tx.Dirty()))
	tx.finish(true)
	return nil
}

func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.finish(false)
}

func (tx *Tx) finish(committed bool) {
	tx.done = true
	if committed {
		for _, fn := range tx.onCommit {
			fn()
		}
	} else {
		for i := len(tx.onRollback) - 1; i >= 0; i-- {
			tx.onRollback[i]()
		}
	}
	tx.onCommit, tx.onRollback = nil, nil
}
