// Package region splits the pager's address space into independently
// growable regions made of fixed-size buckets.
//
// The first HeaderSize bytes hold the layout:
//
//	0   magic "RGNM"
//	4   version      u16
//	6   reserved     u16
//	8   page size    u32
//	12  bucket size  u32
//	16  buckets used u32
//	20  reserved     u32
//	24  region sizes 16 x u64
//	152 owner table, one byte per bucket, FreeBucket when unowned
//
// Bucket i starts at HeaderSize + i*bucketSize. Buckets are handed out in
// increasing order and never returned, so a region keeps its ids and its
// data for the life of the store.
package region

import (
	"bytes"
	"context"
	"encoding/binary"
	"pastebin/svc/pager"
	"sync"

	"github.com/pkg/errors"
)

type ID uint8

const (
	Counter ID = 0
	Records ID = 1

	MaxRegions = 16
	HeaderSize = 4096
	FreeBucket = 0xFF

	version    = 1
	sizesOff   = 24
	ownerOff   = sizesOff + MaxRegions*8
	// MaxBuckets bounds the whole store at MaxBuckets*bucketSize bytes,
	// about 246 MiB with 64 KiB buckets. Pick BUCKET_SIZE for the expected
	// data set before the first start; it cannot change afterwards.
	MaxBuckets = HeaderSize - ownerOff
)

var magic = []byte("RGNM")

var (
	ErrOutOfBounds = errors.New("access past end of region")
	ErrOutOfSpace  = errors.New("no free buckets left")
	ErrBadHeader   = errors.New("region header is not recognised")
)

type Manager struct {
	mu         sync.RWMutex
	pager      *pager.Pager
	bucketSize uint64
	used       uint32
	sizes      [MaxRegions]uint64
	buckets    [MaxRegions][]uint32
	owner      [MaxBuckets]byte
}

// Init attaches to the layout stored in p, writing a fresh one when the
// header is all zeros. A stored bucket size takes precedence over
// bucketSize.
func Init(ctx context.Context, p *pager.Pager, bucketSize int) (*Manager, error) {
	if bucketSize <= 0 || bucketSize%p.PageSize() != 0 {
		return nil, errors.Errorf("bucket size %d is not a multiple of page size %d", bucketSize, p.PageSize())
	}
	hdr := make([]byte, HeaderSize)
	if err := p.ReadAt(ctx, hdr, 0); err != nil {
		return nil, errors.Wrap(err, "read region header")
	}
	m := &Manager{pager: p}
	if isZero(hdr) {
		m.bucketSize = uint64(bucketSize)
		for i := range m.owner {
			m.owner[i] = FreeBucket
		}
		tx := p.Begin()
		if err := tx.WriteAt(ctx, m.encode(), 0); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, errors.Wrap(err, "write region header")
		}
		return m, nil
	}
	if err := m.decode(hdr); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) encode() []byte {
	hdr := make([]byte, HeaderSize)
	copy(hdr, magic)
	binary.BigEndian.PutUint16(hdr[4:], version)
	binary.BigEndian.PutUint32(hdr[8:], uint32(m.pager.PageSize()))
	binary.BigEndian.PutUint32(hdr[12:], uint32(m.bucketSize))
	binary.BigEndian.PutUint32(hdr[16:], m.used)
	for i, s := range m.sizes {
		binary.BigEndian.PutUint64(hdr[sizesOff+i*8:], s)
	}
	copy(hdr[ownerOff:], m.owner[:])
	return hdr
}

func (m *Manager) decode(hdr []byte) error {
	if !bytes.Equal(hdr[:4], magic) {
		return errors.Wrapf(ErrBadHeader, "magic %q", hdr[:4])
	}
	if v := binary.BigEndian.Uint16(hdr[4:]); v != version {
		return errors.Wrapf(ErrBadHeader, "version %d", v)
	}
	if ps := int(binary.BigEndian.Uint32(hdr[8:])); ps != m.pager.PageSize() {
		return errors.Wrapf(ErrBadHeader, "store was written with page size %d, opened with %d", ps, m.pager.PageSize())
	}
	m.bucketSize = uint64(binary.BigEndian.Uint32(hdr[12:]))
	m.used = binary.BigEndian.Uint32(hdr[16:])
	if m.bucketSize == 0 || m.used > MaxBuckets {
		return errors.Wrap(ErrBadHeader, "bucket geometry")
	}
	for i := range m.sizes {
		m.sizes[i] = binary.BigEndian.Uint64(hdr[sizesOff+i*8:])
	}
	copy(m.owner[:], hdr[ownerOff:])
	for b := uint32(0); b < m.used; b++ {
		id := m.owner[b]
		if id == FreeBucket || id >= MaxRegions {
			return errors.Wrapf(ErrBadHeader, "bucket %d has owner %d", b, id)
		}
		m.buckets[id] = append(m.buckets[id], b)
	}
	for i, s := range m.sizes {
		if s > uint64(len(m.buckets[i]))*m.bucketSize {
			return errors.Wrapf(ErrBadHeader, "region %d size %d exceeds its buckets", i, s)
		}
	}
	return nil
}

func (m *Manager) BucketSize() int { return int(m.bucketSize) }

func (m *Manager) Get(id ID) *Region {
	if id >= MaxRegions {
		panic(errors.Errorf("region id %d out of range", id))
	}
	return &Region{m: m, id: id}
}

type Region struct {
	m  *Manager
	id ID
}

func (r *Region) ID() ID { return r.id }

func (r *Region) Size() uint64 {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return r.m.sizes[r.id]
}

// ReadAt reads committed bytes.
func (r *Region) ReadAt(ctx context.Context, b []byte, off uint64) error {
	return r.walk(b, off, func(p []byte, addr uint64) error {
		return r.m.pager.ReadAt(ctx, p, addr)
	})
}

func (r *Region) WriteAt(ctx context.Context, tx *pager.Tx, b []byte, off uint64) error {
	return r.walk(b, off, func(p []byte, addr uint64) error {
		return tx.WriteAt(ctx, p, addr)
	})
}

// walk splits [off, off+len(b)) into bucket-contiguous pieces and hands each
// one to fn with its absolute address.
func (r *Region) walk(b []byte, off uint64, fn func(p []byte, addr uint64) error) error {
	r.m.mu.RLock()
	size := r.m.sizes[r.id]
	buckets := r.m.buckets[r.id]
	r.m.mu.RUnlock()
	end := off + uint64(len(b))
	if end < off || end > size {
		return errors.Wrapf(ErrOutOfBounds, "region %d: [%d, %d) of %d", r.id, off, end, size)
	}
	bs := r.m.bucketSize
	for len(b) > 0 {
		k := off / bs
		in := off % bs
		n := bs - in
		if n > uint64(len(b)) {
			n = uint64(len(b))
		}
		addr := HeaderSize + uint64(buckets[k])*bs + in
		if err := fn(b[:n], addr); err != nil {
			return err
		}
		b = b[n:]
		off += n
	}
	return nil
}

// Grow makes the region at least size bytes long, claiming buckets as
// needed. The header change is part of tx; in-memory state is restored if
// tx rolls back.
func (r *Region) Grow(ctx context.Context, tx *pager.Tx, size uint64) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if size <= m.sizes[r.id] {
		return nil
	}
	have := uint64(len(m.buckets[r.id]))
	need := (size + m.bucketSize - 1) / m.bucketSize
	if need-have > uint64(MaxBuckets)-uint64(m.used) {
		return errors.Wrapf(ErrOutOfSpace, "region %d needs %d more buckets, %d left", r.id, need-have, MaxBuckets-m.used)
	}

	prevSize, prevUsed, prevBuckets := m.sizes[r.id], m.used, m.buckets[r.id]
	claimed := make([]uint32, 0, need-have)
	for ; have < need; have++ {
		b := m.used
		m.owner[b] = byte(r.id)
		m.used++
		claimed = append(claimed, b)
	}
	m.buckets[r.id] = append(append([]uint32(nil), prevBuckets...), claimed...)
	m.sizes[r.id] = size

	tx.OnRollback(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, b := range claimed {
			m.owner[b] = FreeBucket
		}
		m.used = prevUsed
		m.sizes[r.id] = prevSize
		m.buckets[r.id] = prevBuckets
	})
	if err := tx.WriteAt(ctx, m.encode(), 0); err != nil {
		return errors.Wrap(err, "write region header")
	}
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
