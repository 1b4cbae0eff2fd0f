// Package cell keeps the durable id counter.
package cell

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"pastebin/svc/pager"
	"pastebin/svc/region"
	"sync"

	"github.com/pkg/errors"
)

// Layout: magic "PIDC", version u32, value u64.
const (
	Size    = 16
	version = 1
)

var magic = []byte("PIDC")

var ErrExhausted = errors.New("id space exhausted")

type Counter struct {
	mu     sync.Mutex
	region *region.Region
	next   uint64
}

// Open loads the counter from r, initialising it to zero in a fresh region.
func Open(ctx context.Context, p *pager.Pager, r *region.Region) (*Counter, error) {
	c := &Counter{region: r}
	if r.Size() == 0 {
		tx := p.Begin()
		if err := r.Grow(ctx, tx, Size); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := r.WriteAt(ctx, tx, encode(0), 0); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, errors.Wrap(err, "init counter")
		}
		return c, nil
	}
	buf := make([]byte, Size)
	if err := r.ReadAt(ctx, buf, 0); err != nil {
		return nil, errors.Wrap(err, "read counter")
	}
	v, err := decode(buf)
	if err != nil {
		return nil, err
	}
	c.next = v
	return c, nil
}

// Next returns the current value and stages value+1 in tx. The in-memory
// value advances immediately and is not rewound if tx rolls back, so an id
// handed out once is never handed out again.
func (c *Counter) Next(ctx context.Context, tx *pager.Tx) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == math.MaxUint64 {
		return 0, ErrExhausted
	}
	v := c.next
	if err := c.region.WriteAt(ctx, tx, encode(v+1), 0); err != nil {
		return 0, errors.Wrap(err, "write counter")
	}
	c.next = v + 1
	return v, nil
}

func (c *Counter) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func encode(v uint64) []byte {
	buf := make([]byte, Size)
	copy(buf, magic)
	binary.BigEndian.PutUint32(buf[4:], version)
	binary.BigEndian.PutUint64(buf[8:], v)
	return buf
}

func decode(buf []byte) (uint64, error) {
	if !bytes.Equal(buf[:4], magic) {
		return 0, errors.Errorf("counter region has magic %q", buf[:4])
	}
	if v := binary.BigEndian.Uint32(buf[4:]); v != version {
		return 0, errors.Errorf("counter version %d not supported", v)
	}
	return binary.BigEndian.Uint64(buf[8:]), nil
}
