package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pastebin/pkg/domain"
	"pastebin/svc/db"
	"pastebin/svc/pager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var small = Options{PageSize: 512, BucketSize: 4096, CacheSize: 16}

func create(t *testing.T, e *Engine, content string) uint64 {
	t.Helper()
	var id uint64
	err := e.Update(context.Background(), func(tx *pager.Tx) error {
		var err error
		if id, err = e.Counter().Next(context.Background(), tx); err != nil {
			return err
		}
		return e.Records().Put(context.Background(), tx, domain.Paste{ID: id, Content: content, Timestamp: 1})
	})
	require.NoError(t, err)
	return id
}

func TestEngine_SurvivesRestart(t *testing.T) {
	backends := map[string]func(t *testing.T) func() db.Backend{
		"memory": func(t *testing.T) func() db.Backend {
			mem := db.NewMem()
			return func() db.Backend { return mem }
		},
		"file": func(t *testing.T) func() db.Backend {
			path := filepath.Join(t.TempDir(), "pastes.db")
			return func() db.Backend {
				f, err := db.OpenFile(path, small.PageSize)
				require.NoError(t, err)
				return f
			}
		},
		"sqlite": func(t *testing.T) func() db.Backend {
			path := filepath.Join(t.TempDir(), "pastes.sqlite")
			return func() db.Backend {
				s, err := db.NewSQLite(path)
				require.NoError(t, err)
				return s
			}
		},
		"badger": func(t *testing.T) func() db.Backend {
			dir := t.TempDir()
			return func() db.Backend {
				b, err := db.NewBadger(dir)
				require.NoError(t, err)
				return b
			}
		},
	}
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			open := setup(t)

			b := open()
			e, err := Open(ctx, b, small)
			require.NoError(t, err)
			first := create(t, e, "first")
			second := create(t, e, "second")
			require.NoError(t, e.Close())
			if name != "memory" {
				require.NoError(t, b.Close())
			}

			b = open()
			defer b.Close()
			e, err = Open(ctx, b, small)
			require.NoError(t, err)
			defer e.Close()

			assert.Equal(t, second+1, e.Counter().Peek())
			got, ok, err := e.Records().Get(ctx, first)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "first", got.Content)
			assert.Greater(t, create(t, e, "third"), second)
		})
	}
}

func TestEngine_UpdateErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, db.NewMem(), small)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = e.Update(ctx, func(tx *pager.Tx) error {
		if err := e.Records().Put(ctx, tx, domain.Paste{ID: 1, Content: "x", Timestamp: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, e.Records().Len())
	_, ok, err := e.Records().Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_UpdatePanicRollsBack(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, db.NewMem(), small)
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = e.Update(ctx, func(tx *pager.Tx) error {
			_ = e.Records().Put(ctx, tx, domain.Paste{ID: 1, Content: "x", Timestamp: 1})
			panic("bad writer")
		})
	})
	assert.Zero(t, e.Records().Len())
	// The writer lock must have been released.
	create(t, e, "after panic")
}

func TestEngine_Closed(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, db.NewMem(), small)
	require.NoError(t, err)
	require.NoError(t, e.Ping(ctx))
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Update(ctx, func(*pager.Tx) error { return nil }), ErrClosed)
	assert.ErrorIs(t, e.View(func() error { return nil }), ErrClosed)
	assert.ErrorIs(t, e.Ping(ctx), ErrClosed)
}

func TestEngine_CancelledContext(t *testing.T) {
	e, err := Open(context.Background(), db.NewMem(), small)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err = e.Update(ctx, func(*pager.Tx) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
