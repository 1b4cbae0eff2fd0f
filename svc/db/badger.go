package db

import (
	"context"
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// Badger stores page n under key 'p' + big-endian n. SyncWrites is on so a
// returned Update is on disk.
type Badger struct {
	db *badger.DB
}

func NewBadger(path string) (*Badger, error) {
	if path == "" {
		return nil, errors.New("badger backend needs a directory")
	}
	return openBadger(badger.DefaultOptions(path))
}

// NewBadgerInMemory is used by tests; nothing reaches disk.
func NewBadgerInMemory() (*Badger, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*Badger, error) {
	opts = opts.WithSyncWrites(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &Badger{db: db}, nil
}

func (b *Badger) ReadPage(ctx context.Context, n uint64, buf []byte) error {
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pageKey(n))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := checkLen(len(val), len(buf)); err != nil {
				return err
			}
			copy(buf, val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		zero(buf)
		return nil
	}
	return errors.Wrapf(err, "badger read page %d", n)
}

func (b *Badger) Commit(ctx context.Context, pages map[uint64][]byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, n := range sortedPages(pages) {
			if err := txn.Set(pageKey(n), pages[n]); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "badger commit")
}

func (b *Badger) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func pageKey(n uint64) []byte {
	key := make([]byte, 9)
	key[0] = 'p'
	binary.BigEndian.PutUint64(key[1:], n)
	return key
}
