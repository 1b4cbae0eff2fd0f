// Package recmap is the durable id -> paste map.
//
// Records live in fixed-size slots after a small header, so a record is
// rewritten in place and a removed slot is reused by the next insert. The
// key order and the slot of each key are held in memory and rebuilt by a
// full scan on Open, the same way a bitcask keydir is rebuilt from its data
// files.
package recmap

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"pastebin/metrics"
	"pastebin/pkg/domain"
	"pastebin/svc/codec"
	"pastebin/svc/pager"
	"pastebin/svc/region"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Header: magic "PRMP", version u16, reserved u16, slot size u32,
// high-water u32.
//
// Slot: state u8, reserved u8, len u16, checksum u32, key u64, payload.
const (
	HeaderSize     = 16
	SlotHeaderSize = 16
	SlotSize       = SlotHeaderSize + codec.MaxSize

	version = 1
)

const (
	stateNever byte = iota
	stateLive
	stateFree
)

var magic = []byte("PRMP")

type Map struct {
	mu     sync.RWMutex
	region *region.Region
	slots  map[uint64]uint32
	keys   []uint64
	free   []uint32
	high   uint32
}

// Open attaches to the map stored in r and rebuilds the index. Any slot
// that fails its checksum or does not decode fails the open with
// domain.ErrCorruptRecord.
func Open(ctx context.Context, p *pager.Pager, r *region.Region) (*Map, error) {
	m := &Map{region: r, slots: make(map[uint64]uint32)}
	if r.Size() == 0 {
		tx := p.Begin()
		if err := r.Grow(ctx, tx, HeaderSize); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := m.writeHeader(ctx, tx, 0); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, errors.Wrap(err, "init record map")
		}
		return m, nil
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	metrics.StoredRecords.Set(float64(len(m.keys)))
	return m, nil
}

func (m *Map) load(ctx context.Context) error {
	hdr := make([]byte, HeaderSize)
	if err := m.region.ReadAt(ctx, hdr, 0); err != nil {
		return errors.Wrap(err, "read record map header")
	}
	if !bytes.Equal(hdr[:4], magic) {
		return errors.Errorf("record map has magic %q", hdr[:4])
	}
	if v := binary.BigEndian.Uint16(hdr[4:]); v != version {
		return errors.Errorf("record map version %d not supported", v)
	}
	if ss := binary.BigEndian.Uint32(hdr[8:]); ss != SlotSize {
		return errors.Errorf("record map slot size %d, want %d", ss, SlotSize)
	}
	m.high = binary.BigEndian.Uint32(hdr[12:])
	if need := slotOffset(m.high); need > m.region.Size() {
		return errors.Errorf("record map high-water %d needs %d bytes, region has %d", m.high, need, m.region.Size())
	}

	buf := make([]byte, SlotSize)
	for i := uint32(0); i < m.high; i++ {
		if err := m.region.ReadAt(ctx, buf, slotOffset(i)); err != nil {
			return errors.Wrapf(err, "read slot %d", i)
		}
		switch buf[0] {
		case stateLive:
			p, err := decodeSlot(buf)
			if err != nil {
				metrics.CorruptRecords.Inc()
				return errors.Wrapf(err, "slot %d", i)
			}
			if _, dup := m.slots[p.ID]; dup {
				return errors.Wrapf(domain.Corrupt(fmt.Sprintf("id %d stored twice", p.ID)), "slot %d", i)
			}
			m.slots[p.ID] = i
			m.keys = append(m.keys, p.ID)
		case stateFree:
			m.free = append(m.free, i)
		default:
			return errors.Wrapf(domain.Corrupt(fmt.Sprintf("state byte %d", buf[0])), "slot %d", i)
		}
	}
	slices.Sort(m.keys)
	return nil
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Get reads the committed record for id.
func (m *Map) Get(ctx context.Context, id uint64) (domain.Paste, bool, error) {
	m.mu.RLock()
	slot, ok := m.slots[id]
	m.mu.RUnlock()
	if !ok {
		return domain.Paste{}, false, nil
	}
	p, err := m.readSlot(ctx, slot)
	if err != nil {
		return domain.Paste{}, false, err
	}
	if p.ID != id {
		metrics.CorruptRecords.Inc()
		return domain.Paste{}, false, domain.Corrupt(fmt.Sprintf("slot %d holds id %d, index says %d", slot, p.ID, id))
	}
	return p, true, nil
}

func (m *Map) readSlot(ctx context.Context, slot uint32) (domain.Paste, error) {
	hdr := make([]byte, SlotHeaderSize)
	if err := m.region.ReadAt(ctx, hdr, slotOffset(slot)); err != nil {
		return domain.Paste{}, errors.Wrapf(err, "read slot %d", slot)
	}
	n := int(binary.BigEndian.Uint16(hdr[2:]))
	if n > codec.MaxSize {
		metrics.CorruptRecords.Inc()
		return domain.Paste{}, domain.Corrupt(fmt.Sprintf("slot %d length %d", slot, n))
	}
	buf := make([]byte, SlotHeaderSize+n)
	copy(buf, hdr)
	if err := m.region.ReadAt(ctx, buf[SlotHeaderSize:], slotOffset(slot)+SlotHeaderSize); err != nil {
		return domain.Paste{}, errors.Wrapf(err, "read slot %d", slot)
	}
	p, err := decodeSlot(buf)
	if err != nil {
		metrics.CorruptRecords.Inc()
		return domain.Paste{}, errors.Wrapf(err, "slot %d", slot)
	}
	return p, nil
}

// Put inserts p or replaces the record with the same id. The index changes
// at once and is restored if tx rolls back; callers serialise writers.
func (m *Map) Put(ctx context.Context, tx *pager.Tx, p domain.Paste) error {
	payload, err := codec.Encode(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, exists := m.slots[p.ID]
	if !exists {
		if slot, err = m.claimSlot(ctx, tx); err != nil {
			return err
		}
	}
	if err := m.region.WriteAt(ctx, tx, encodeSlot(p.ID, payload), slotOffset(slot)); err != nil {
		return errors.Wrapf(err, "write slot %d", slot)
	}
	if exists {
		return nil
	}

	m.slots[p.ID] = slot
	pos, _ := slices.BinarySearch(m.keys, p.ID)
	m.keys = slices.Insert(m.keys, pos, p.ID)
	tx.OnRollback(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.slots, p.ID)
		if i, ok := slices.BinarySearch(m.keys, p.ID); ok {
			m.keys = slices.Delete(m.keys, i, i+1)
		}
	})
	tx.OnCommit(m.publishLen)
	return nil
}

// claimSlot pops a free slot or extends the high-water mark. Called with
// m.mu held.
func (m *Map) claimSlot(ctx context.Context, tx *pager.Tx) (uint32, error) {
	if n := len(m.free); n > 0 {
		slot := m.free[n-1]
		m.free = m.free[:n-1]
		tx.OnRollback(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.free = append(m.free, slot)
		})
		return slot, nil
	}
	slot := m.high
	if err := m.region.Grow(ctx, tx, slotOffset(slot+1)); err != nil {
		return 0, err
	}
	if err := m.writeHeader(ctx, tx, slot+1); err != nil {
		return 0, err
	}
	m.high = slot + 1
	tx.OnRollback(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.high = slot
	})
	return slot, nil
}

// Remove frees the slot of id and returns the record it held.
func (m *Map) Remove(ctx context.Context, tx *pager.Tx, id uint64) (domain.Paste, bool, error) {
	p, ok, err := m.Get(ctx, id)
	if err != nil || !ok {
		return domain.Paste{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.slots[id]
	hdr := make([]byte, SlotHeaderSize)
	hdr[0] = stateFree
	if err := m.region.WriteAt(ctx, tx, hdr, slotOffset(slot)); err != nil {
		return domain.Paste{}, false, errors.Wrapf(err, "free slot %d", slot)
	}
	delete(m.slots, id)
	if i, found := slices.BinarySearch(m.keys, id); found {
		m.keys = slices.Delete(m.keys, i, i+1)
	}
	m.free = append(m.free, slot)
	tx.OnRollback(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.slots[id] = slot
		pos, _ := slices.BinarySearch(m.keys, id)
		m.keys = slices.Insert(m.keys, pos, id)
		if i := slices.Index(m.free, slot); i >= 0 {
			m.free = slices.Delete(m.free, i, i+1)
		}
	})
	tx.OnCommit(m.publishLen)
	return p, true, nil
}

// Keys returns the ids present right now, ascending.
func (m *Map) Keys() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.keys)
}

// Values yields every record in ascending id order. The key set is fixed
// when iteration starts; records removed since then are skipped. Iteration
// stops after the first error.
func (m *Map) Values(ctx context.Context) iter.Seq2[domain.Paste, error] {
	keys := m.Keys()
	return func(yield func(domain.Paste, error) bool) {
		for _, id := range keys {
			if err := ctx.Err(); err != nil {
				yield(domain.Paste{}, err)
				return
			}
			p, ok, err := m.Get(ctx, id)
			if err != nil {
				yield(domain.Paste{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (m *Map) publishLen() {
	metrics.StoredRecords.Set(float64(m.Len()))
}

func (m *Map) writeHeader(ctx context.Context, tx *pager.Tx, high uint32) error {
	hdr := make([]byte, HeaderSize)
	copy(hdr, magic)
	binary.BigEndian.PutUint16(hdr[4:], version)
	binary.BigEndian.PutUint32(hdr[8:], SlotSize)
	binary.BigEndian.PutUint32(hdr[12:], high)
	return errors.Wrap(m.region.WriteAt(ctx, tx, hdr, 0), "write record map header")
}

func slotOffset(slot uint32) uint64 {
	return HeaderSize + uint64(slot)*SlotSize
}

func checksum(key uint64, payload []byte) uint32 {
	d := xxhash.New()
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], key)
	d.Write(k[:])
	d.Write(payload)
	return uint32(d.Sum64())
}

func encodeSlot(key uint64, payload []byte) []byte {
	buf := make([]byte, SlotHeaderSize+len(payload))
	buf[0] = stateLive
	binary.BigEndian.PutUint16(buf[2:], uint16(len(payload)))
	binary.BigEndian.PutUint32(buf[4:], checksum(key, payload))
	binary.BigEndian.PutUint64(buf[8:], key)
	copy(buf[SlotHeaderSize:], payload)
	return buf
}

// decodeSlot checks a live slot and decodes its payload. buf may be longer
// than the record.
func decodeSlot(buf []byte) (domain.Paste, error) {
	if buf[0] != stateLive {
		return domain.Paste{}, domain.Corrupt(fmt.Sprintf("slot state %d is not live", buf[0]))
	}
	n := int(binary.BigEndian.Uint16(buf[2:]))
	if SlotHeaderSize+n > len(buf) {
		return domain.Paste{}, domain.Corrupt(fmt.Sprintf("length %d overruns slot", n))
	}
	key := binary.BigEndian.Uint64(buf[8:])
	payload := buf[SlotHeaderSize : SlotHeaderSize+n]
	if checksum(key, payload) != binary.BigEndian.Uint32(buf[4:]) {
		return domain.Paste{}, domain.Corrupt("checksum mismatch")
	}
	p, err := codec.Decode(payload)
	if err != nil {
		return domain.Paste{}, err
	}
	if p.ID != key {
		return domain.Paste{}, domain.Corrupt(fmt.Sprintf("slot key %d holds id %d", key, p.ID))
	}
	return p, nil
}
