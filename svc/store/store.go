// Package store wires a page backend into the paste storage engine: one
// pager, the region layout, the id counter and the record map.
//
// Update runs one writer at a time and makes everything it staged durable
// in a single backend commit. View runs any number of readers, never
// concurrently with a writer, so readers only ever see whole commits.
package store

import (
	"context"
	"pastebin/svc/cell"
	"pastebin/svc/db"
	"pastebin/svc/pager"
	"pastebin/svc/recmap"
	"pastebin/svc/region"
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("store closed")

const DefaultBucketSize = 64 * 1024

type Options struct {
	PageSize   int
	BucketSize int
	CacheSize  int
}

func (o *Options) FillDefaults() {
	if o.PageSize == 0 {
		o.PageSize = pager.DefaultPageSize
	}
	if o.BucketSize == 0 {
		o.BucketSize = DefaultBucketSize
	}
}

type Engine struct {
	mu      sync.RWMutex
	backend db.Backend
	pager   *pager.Pager
	counter *cell.Counter
	records *recmap.Map
	closed  bool
}

// Open attaches to whatever is stored in backend, formatting it on first
// use. The engine does not take ownership of backend; close it after Close.
func Open(ctx context.Context, backend db.Backend, opts Options) (*Engine, error) {
	opts.FillDefaults()
	p, err := pager.New(backend, pager.Options{PageSize: opts.PageSize, CacheSize: opts.CacheSize})
	if err != nil {
		return nil, err
	}
	regions, err := region.Init(ctx, p, opts.BucketSize)
	if err != nil {
		return nil, errors.Wrap(err, "regions")
	}
	counter, err := cell.Open(ctx, p, regions.Get(region.Counter))
	if err != nil {
		return nil, errors.Wrap(err, "counter")
	}
	records, err := recmap.Open(ctx, p, regions.Get(region.Records))
	if err != nil {
		return nil, errors.Wrap(err, "records")
	}
	return &Engine{backend: backend, pager: p, counter: counter, records: records}, nil
}

func (e *Engine) Counter() *cell.Counter { return e.counter }
func (e *Engine) Records() *recmap.Map   { return e.records }

// Update runs fn inside a write transaction. A nil return commits; an error
// or panic rolls back.
func (e *Engine) Update(ctx context.Context, fn func(tx *pager.Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := e.pager.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

// View runs fn with writers excluded.
func (e *Engine) View(fn func() error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return fn()
}

func (e *Engine) Ping(ctx context.Context) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return e.backend.Ping(ctx)
}

// Close waits for the current lock holder, if any, then makes every later
// Update, View and Ping fail with ErrClosed. It does not track queued callers.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
