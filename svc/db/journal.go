package db

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Journal is a single-transaction redo log sitting next to a data file.
//
// Format: [4 bytes magic][4 bytes count] then count entries of
// [8 bytes page][4 bytes len][data], then [8 bytes xxhash of everything
// before]. A journal with a missing or mismatching checksum was torn
// mid-write and is discarded.
type Journal struct {
	path string
	file FileHandle
}

var journalMagic = [4]byte{'P', 'J', 'N', 'L'}

const (
	journalHeaderSize = 8
	journalEntrySize  = 12
	journalSumSize    = 8
)

var errTornJournal = errors.New("torn journal")

func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	return &Journal{path: path, file: NewFileHandle(f)}, nil
}

// Write durably records pages. It does not touch the data file.
func (j *Journal) Write(pages map[uint64][]byte) error {
	buf := encodeJournal(pages)
	if _, err := j.file.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "write journal")
	}
	if err := j.file.Truncate(int64(len(buf))); err != nil {
		return errors.Wrap(err, "truncate journal")
	}
	return errors.Wrap(j.file.Sync(), "sync journal")
}

// Recover returns the pages of a complete journal, or nil when the journal
// is empty or torn.
func (j *Journal) Recover() (map[uint64][]byte, error) {
	info, err := j.file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat journal")
	}
	if info.Size() == 0 {
		return nil, nil
	}
	buf := make([]byte, info.Size())
	if _, err := j.file.ReadAt(buf, 0); err != nil {
		return nil, errors.Wrap(err, "read journal")
	}
	pages, err := decodeJournal(buf)
	if errors.Is(err, errTornJournal) {
		return nil, nil
	}
	return pages, err
}

func (j *Journal) Reset() error {
	if err := j.file.Truncate(0); err != nil {
		return errors.Wrap(err, "reset journal")
	}
	return errors.Wrap(j.file.Sync(), "sync journal")
}

func (j *Journal) Close() error {
	return j.file.Close()
}

func encodeJournal(pages map[uint64][]byte) []byte {
	nums := sortedPages(pages)
	size := journalHeaderSize + journalSumSize
	for _, n := range nums {
		size += journalEntrySize + len(pages[n])
	}
	buf := make([]byte, size)
	copy(buf, journalMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(nums)))
	off := journalHeaderSize
	for _, n := range nums {
		data := pages[n]
		binary.BigEndian.PutUint64(buf[off:], n)
		binary.BigEndian.PutUint32(buf[off+8:], uint32(len(data)))
		off += journalEntrySize
		off += copy(buf[off:], data)
	}
	binary.BigEndian.PutUint64(buf[off:], xxhash.Sum64(buf[:off]))
	return buf
}

func decodeJournal(buf []byte) (map[uint64][]byte, error) {
	if len(buf) < journalHeaderSize+journalSumSize {
		return nil, errTornJournal
	}
	body := buf[:len(buf)-journalSumSize]
	if binary.BigEndian.Uint64(buf[len(body):]) != xxhash.Sum64(body) {
		return nil, errTornJournal
	}
	if [4]byte(body[:4]) != journalMagic {
		return nil, errors.New("bad journal magic")
	}
	count := binary.BigEndian.Uint32(body[4:8])
	pages := make(map[uint64][]byte, count)
	off := journalHeaderSize
	for i := uint32(0); i < count; i++ {
		if len(body)-off < journalEntrySize {
			return nil, errors.New("journal entry header truncated")
		}
		n := binary.BigEndian.Uint64(body[off:])
		l := int(binary.BigEndian.Uint32(body[off+8:]))
		off += journalEntrySize
		if len(body)-off < l {
			return nil, errors.New("journal entry data truncated")
		}
		pages[n] = body[off : off+l]
		off += l
	}
	if off != len(body) {
		return nil, errors.New("journal has trailing bytes")
	}
	return pages, nil
}

func sortedPages(pages map[uint64][]byte) []uint64 {
	nums := make([]uint64, 0, len(pages))
	for n := range pages {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}
