package svc

import (
	"context"
	"math/bits"
	"net/http"
	"pastebin/metrics"
	"pastebin/pkg/domain"
	"pastebin/svc/codec"
	"pastebin/svc/pager"
	"pastebin/svc/region"
	"pastebin/svc/store"
	"pastebin/svc/util"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var ErrShuttingDown = domain.NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)

type Paste struct {
	store *store.Engine
	clock *clock
	// gate orders opWg.Add against Shutdown's Wait.
	gate     sync.RWMutex
	shutdown bool
	opWg     sync.WaitGroup
}

func NewPaste(e *store.Engine) *Paste {
	if e == nil {
		panic("paste service: nil store")
	}
	return &Paste{store: e, clock: newClock(time.Now)}
}

// clock hands out nanosecond timestamps that never go backwards, even when
// the wall clock does.
type clock struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

func newClock(now func() time.Time) *clock { return &clock{now: now} }

func (c *clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UnixNano()
	if t > 0 && uint64(t) > c.last {
		c.last = uint64(t)
	}
	return c.last
}

func (p *Paste) enter() error {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.shutdown {
		return ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Shutdown refuses new operations and waits for running ones.
func (p *Paste) Shutdown() {
	p.gate.Lock()
	p.shutdown = true
	p.gate.Unlock()
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return domain.InvalidInput("content must not be empty")
	}
	if !utf8.ValidString(content) {
		return domain.InvalidInput("content must be valid UTF-8")
	}
	return nil
}

// reject records a failed operation and returns the error to hand the
// caller. Running out of buckets becomes STORE_FULL.
func reject(op string, err error) error {
	switch {
	case errors.Is(err, region.ErrOutOfSpace):
		util.Error().Str("op", op).Err(err).Msg("store full")
		return domain.ErrStoreFull.With("reason", err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		metrics.InvalidInput.Inc()
		util.Debug().Str("op", op).Err(err).Msg("write rejected")
	case errors.Is(err, domain.ErrNotFound):
	case errors.Is(err, domain.ErrCorruptRecord):
		metrics.CorruptRecords.Inc()
		util.Error().Str("op", op).Err(err).Msg("corrupt record")
	default:
		util.Error().Str("op", op).Err(err).Msg("storage failure")
	}
	return err
}

func (p *Paste) Create(ctx context.Context, content string) (uint64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.opWg.Done()
	if err := validate(content); err != nil {
		return 0, reject("create", err)
	}
	var id uint64
	err := p.store.Update(ctx, func(tx *pager.Tx) error {
		ts := p.clock.Now()
		// Reject before minting so an oversize paste does not burn an id.
		probe := domain.Paste{ID: p.store.Counter().Peek(), Content: content, Timestamp: ts}
		if n := codec.Size(probe); n > codec.MaxSize {
			return domain.Oversize(n, codec.MaxSize)
		}
		next, err := p.store.Counter().Next(ctx, tx)
		if err != nil {
			return errors.Wrap(err, "mint id")
		}
		id = next
		return p.store.Records().Put(ctx, tx, domain.Paste{ID: id, Content: content, Timestamp: ts})
	})
	if err != nil {
		return 0, reject("create", err)
	}
	metrics.PasteCreated.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Uint64("id", id).
		Int("size", len(content)).
		Str("content", util.RedactPasteContent(content)).
		Msg("paste created")
	return id, nil
}

func (p *Paste) Get(ctx context.Context, id uint64) (*domain.Paste, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	var paste domain.Paste
	var ok bool
	err := p.store.View(func() error {
		var err error
		paste, ok, err = p.store.Records().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, reject("get", err)
	}
	if !ok {
		return nil, domain.NotFound(id)
	}
	metrics.PasteRetrieved.Inc()
	return &paste, nil
}

// List returns one page of pastes in ascending id order. A zero page or
// page size, or an offset past the end, gives an empty page.
func (p *Paste) List(ctx context.Context, params domain.ListParams) ([]domain.Paste, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	metrics.Queries.WithLabelValues("list").Inc()
	page, perPage := params.Resolve()
	out := []domain.Paste{}
	if page == 0 || perPage == 0 {
		return out, nil
	}
	hi, skip := bits.Mul64(page-1, perPage)
	if hi != 0 {
		return out, nil
	}
	err := p.store.View(func() error {
		keys := p.store.Records().Keys()
		if skip >= uint64(len(keys)) {
			return nil
		}
		keys = keys[skip:]
		if perPage < uint64(len(keys)) {
			keys = keys[:perPage]
		}
		for _, id := range keys {
			paste, ok, err := p.store.Records().Get(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, paste)
			}
		}
		return nil
	})
	if err != nil {
		return nil, reject("list", err)
	}
	return out, nil
}

// Search returns every paste whose content contains keyword, by id. The
// match is a case-sensitive substring test; an empty keyword matches
// nothing.
func (p *Paste) Search(ctx context.Context, keyword string) ([]domain.Paste, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	metrics.Queries.WithLabelValues("search").Inc()
	out := []domain.Paste{}
	if keyword == "" {
		return out, nil
	}
	start := time.Now()
	err := p.store.View(func() error {
		for paste, err := range p.store.Records().Values(ctx) {
			if err != nil {
				return err
			}
			if strings.Contains(paste.Content, keyword) {
				out = append(out, paste)
			}
		}
		return nil
	})
	if err != nil {
		return nil, reject("search", err)
	}
	util.Debug().
		Int("matches", len(out)).
		Dur("took", time.Since(start)).
		Msg("search scan finished")
	return out, nil
}

// Update replaces the content of id and refreshes its timestamp.
func (p *Paste) Update(ctx context.Context, id uint64, content string) (*domain.Paste, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if err := validate(content); err != nil {
		return nil, reject("update", err)
	}
	var updated domain.Paste
	err := p.store.Update(ctx, func(tx *pager.Tx) error {
		old, ok, err := p.store.Records().Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFound(id)
		}
		updated = domain.Paste{ID: id, Content: content, Timestamp: max(p.clock.Now(), old.Timestamp)}
		return p.store.Records().Put(ctx, tx, updated)
	})
	if err != nil {
		return nil, reject("update", err)
	}
	metrics.PasteUpdated.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Uint64("id", id).
		Int("size", len(content)).
		Msg("paste updated")
	return &updated, nil
}

// Delete removes id and returns what it held. The id is never reissued.
func (p *Paste) Delete(ctx context.Context, id uint64) (*domain.Paste, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	var removed domain.Paste
	err := p.store.Update(ctx, func(tx *pager.Tx) error {
		paste, ok, err := p.store.Records().Remove(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFound(id)
		}
		removed = paste
		return nil
	})
	if err != nil {
		return nil, reject("delete", err)
	}
	metrics.PasteDeleted.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Uint64("id", id).
		Msg("paste deleted")
	return &removed, nil
}

func (p *Paste) Stats(ctx context.Context) (domain.Stats, error) {
	if err := p.enter(); err != nil {
		return domain.Stats{}, err
	}
	defer p.opWg.Done()
	var s domain.Stats
	err := p.store.View(func() error {
		s = domain.Stats{
			Records: uint64(p.store.Records().Len()),
			NextID:  p.store.Counter().Peek(),
		}
		return nil
	})
	return s, err
}

// Ping reports whether the backing store is reachable.
func (p *Paste) Ping(ctx context.Context) error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.opWg.Done()
	return p.store.Ping(ctx)
}
