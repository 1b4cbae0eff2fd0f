// Package db holds the durable page backends the pager writes through.
//
// A backend stores fixed-size pages addressed by number. Pages that were
// never written read back as zeros. Commit makes a whole set of pages
// durable at once: after a crash either every page of the set is visible or
// none is.
package db

import (
	"context"
	"pastebin/cfg"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrClosed   = errors.New("backend closed")
	ErrPageSize = errors.New("stored page has unexpected size")
)

type Backend interface {
	ReadPage(ctx context.Context, n uint64, buf []byte) error
	Commit(ctx context.Context, pages map[uint64][]byte) error
	Ping(ctx context.Context) error
	Close() error
}

const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
	KindBadger = "badger"
	KindRedis  = "redis"
)

// Open builds the backend selected by STORE_BACKEND.
func Open(c *cfg.Cfg) (Backend, error) {
	switch strings.ToLower(c.StoreBackend) {
	case KindMemory:
		return NewMem(), nil
	case KindFile, "":
		return OpenFile(c.StorePath, c.PageSize)
	case KindSQLite:
		return NewSQLiteWithConfig(c.StorePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	case KindBadger:
		return NewBadger(c.StorePath)
	case KindRedis:
		return NewRedis(c.RedisURL, c)
	}
	return nil, errors.Errorf("unknown store backend %q", c.StoreBackend)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func checkLen(got, want int) error {
	if got != want {
		return errors.Wrapf(ErrPageSize, "got %d bytes, want %d", got, want)
	}
	return nil
}
