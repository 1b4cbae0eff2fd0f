package db

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 512

func page(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, testPageSize)
}

// exerciseBackend runs the contract every backend shares.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	buf := page(0xAA)
	require.NoError(t, b.ReadPage(ctx, 7, buf))
	assert.Equal(t, page(0), buf, "unwritten page must read as zeros")

	require.NoError(t, b.Commit(ctx, map[uint64][]byte{0: page(1), 3: page(3)}))
	require.NoError(t, b.ReadPage(ctx, 0, buf))
	assert.Equal(t, page(1), buf)
	require.NoError(t, b.ReadPage(ctx, 3, buf))
	assert.Equal(t, page(3), buf)
	require.NoError(t, b.ReadPage(ctx, 2, buf))
	assert.Equal(t, page(0), buf, "gap page must read as zeros")

	require.NoError(t, b.Commit(ctx, map[uint64][]byte{3: page(4)}))
	require.NoError(t, b.ReadPage(ctx, 3, buf))
	assert.Equal(t, page(4), buf, "overwrite must replace the page")

	require.NoError(t, b.Ping(ctx))
}

func TestMem(t *testing.T) {
	m := NewMem()
	exerciseBackend(t, m)
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Ping(context.Background()), ErrClosed)
	assert.ErrorIs(t, m.Commit(context.Background(), map[uint64][]byte{0: page(1)}), ErrClosed)
}

func TestMem_CommitCopiesInput(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	p := page(5)
	require.NoError(t, m.Commit(ctx, map[uint64][]byte{0: p}))
	p[0] = 9
	buf := make([]byte, testPageSize)
	require.NoError(t, m.ReadPage(ctx, 0, buf))
	assert.Equal(t, byte(5), buf[0])
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	f, err := OpenFile(path, testPageSize)
	require.NoError(t, err)
	exerciseBackend(t, f)
	require.NoError(t, f.Close())

	f, err = OpenFile(path, testPageSize)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(context.Background(), 3, buf))
	assert.Equal(t, page(4), buf, "committed pages must survive reopen")

	info, err := os.Stat(path + "-journal")
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "journal must be empty after a clean commit")
}

func TestFile_RejectsWrongPageSize(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "pages.db"), testPageSize)
	require.NoError(t, err)
	defer f.Close()
	err = f.Commit(context.Background(), map[uint64][]byte{0: make([]byte, 10)})
	assert.ErrorIs(t, err, ErrPageSize)
}

func TestFile_ReplaysCompleteJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	f, err := OpenFile(path, testPageSize)
	require.NoError(t, err)
	require.NoError(t, f.Commit(context.Background(), map[uint64][]byte{0: page(1)}))
	require.NoError(t, f.Close())

	// Crash after the journal was synced but before the data file was written.
	j := encodeJournal(map[uint64][]byte{0: page(2), 5: page(5)})
	require.NoError(t, os.WriteFile(path+"-journal", j, 0644))

	f, err = OpenFile(path, testPageSize)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(context.Background(), 0, buf))
	assert.Equal(t, page(2), buf)
	require.NoError(t, f.ReadPage(context.Background(), 5, buf))
	assert.Equal(t, page(5), buf)
}

func TestFile_DiscardsTornJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	f, err := OpenFile(path, testPageSize)
	require.NoError(t, err)
	require.NoError(t, f.Commit(context.Background(), map[uint64][]byte{0: page(1)}))
	require.NoError(t, f.Close())

	j := encodeJournal(map[uint64][]byte{0: page(2)})
	require.NoError(t, os.WriteFile(path+"-journal", j[:len(j)-3], 0644))

	f, err = OpenFile(path, testPageSize)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(context.Background(), 0, buf))
	assert.Equal(t, page(1), buf, "torn journal must not be applied")
}

// flakyHandle fails the selected operations with errInjected.
type flakyHandle struct {
	FileHandle
	failWrite bool
	failSync  bool
}

var errInjected = errors.New("injected I/O failure")

func (h *flakyHandle) WriteAt(b []byte, off int64) (int, error) {
	if h.failWrite {
		return 0, errInjected
	}
	return h.FileHandle.WriteAt(b, off)
}

func (h *flakyHandle) Sync() error {
	if h.failSync {
		return errInjected
	}
	return h.FileHandle.Sync()
}

func TestFile_DataSyncFailureAfterJournalIsDurable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pages.db")
	f, err := OpenFile(path, testPageSize)
	require.NoError(t, err)
	require.NoError(t, f.Commit(ctx, map[uint64][]byte{0: page(1)}))

	data := &flakyHandle{FileHandle: f.data, failSync: true}
	f.data = data
	require.NoError(t, f.Commit(ctx, map[uint64][]byte{0: page(2)}),
		"a journaled commit is decided even if the data file lags")

	buf := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(ctx, 0, buf))
	assert.Equal(t, page(2), buf, "the decided commit must be visible before it is applied")
	require.NoError(t, f.Close())

	f, err = OpenFile(path, testPageSize)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.ReadPage(ctx, 0, buf))
	assert.Equal(t, page(2), buf, "reopen must agree with what Commit reported")
}

func TestFile_PendingCommitSettlesBeforeNext(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pages.db")
	f, err := OpenFile(path, testPageSize)
	require.NoError(t, err)
	defer f.Close()

	data := &flakyHandle{FileHandle: f.data, failSync: true}
	f.data = data
	require.NoError(t, f.Commit(ctx, map[uint64][]byte{0: page(1)}))

	// Still failing: the new commit is refused before it reaches the journal.
	err = f.Commit(ctx, map[uint64][]byte{1: page(9)})
	require.ErrorIs(t, err, errInjected)

	data.failSync = false
	require.NoError(t, f.Commit(ctx, map[uint64][]byte{1: page(3)}))
	buf := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(ctx, 0, buf))
	assert.Equal(t, page(1), buf)
	require.NoError(t, f.ReadPage(ctx, 1, buf))
	assert.Equal(t, page(3), buf)
	assert.Nil(t, f.pending)

	info, err := os.Stat(path + "-journal")
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFile_JournalWriteFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pages.db")
	f, err := OpenFile(path, testPageSize)
	require.NoError(t, err)
	require.NoError(t, f.Commit(ctx, map[uint64][]byte{0: page(1)}))

	f.journal.file = &flakyHandle{FileHandle: f.journal.file, failWrite: true}
	require.ErrorIs(t, f.Commit(ctx, map[uint64][]byte{0: page(2)}), errInjected)
	require.NoError(t, f.Close())

	f, err = OpenFile(path, testPageSize)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(ctx, 0, buf))
	assert.Equal(t, page(1), buf, "a refused commit must not replay")
}

func TestFile_StuckJournalPoisons(t *testing.T) {
	ctx := context.Background()
	f, err := OpenFile(filepath.Join(t.TempDir(), "pages.db"), testPageSize)
	require.NoError(t, err)
	defer f.Close()

	f.journal.file = &flakyHandle{FileHandle: f.journal.file, failSync: true}
	require.ErrorIs(t, f.Commit(ctx, map[uint64][]byte{0: page(2)}), ErrFailed)
	assert.ErrorIs(t, f.ReadPage(ctx, 0, make([]byte, testPageSize)), ErrFailed)
	assert.ErrorIs(t, f.Commit(ctx, map[uint64][]byte{0: page(3)}), ErrFailed)
	assert.ErrorIs(t, f.Ping(ctx), ErrFailed)
}

func TestDecodeJournal(t *testing.T) {
	pages := map[uint64][]byte{1: []byte("one"), 9: []byte("nine")}
	got, err := decodeJournal(encodeJournal(pages))
	require.NoError(t, err)
	assert.Equal(t, pages, got)

	_, err = decodeJournal([]byte("PJNL"))
	assert.ErrorIs(t, err, errTornJournal)

	bad := encodeJournal(pages)
	bad[10] ^= 0xFF
	_, err = decodeJournal(bad)
	assert.ErrorIs(t, err, errTornJournal)
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.sqlite")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	exerciseBackend(t, s)
	require.NoError(t, performWALCheckpoint(context.Background(), s.DB()))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	buf := make([]byte, testPageSize)
	require.NoError(t, s.ReadPage(context.Background(), 0, buf))
	assert.Equal(t, page(1), buf)
}

func TestSQLite_WALMaintenanceStopsOnCancel(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "pages.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartWALMaintenance(ctx, s.DB(), 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WAL maintenance did not stop")
	}
}

func TestBadger(t *testing.T) {
	b, err := NewBadgerInMemory()
	require.NoError(t, err)
	exerciseBackend(t, b)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Ping(context.Background()), ErrClosed)
}

func TestBadger_Reopen(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBadger(dir)
	require.NoError(t, err)
	require.NoError(t, b.Commit(context.Background(), map[uint64][]byte{2: page(2)}))
	require.NoError(t, b.Close())

	b, err = NewBadger(dir)
	require.NoError(t, err)
	defer b.Close()
	buf := make([]byte, testPageSize)
	require.NoError(t, b.ReadPage(context.Background(), 2, buf))
	assert.Equal(t, page(2), buf)
}

func TestRedis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	prefix := "pastebin-test:" + t.Name() + ":"
	r := NewRedisWithClient(client, prefix, time.Second)
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		r.Close()
	})
	exerciseBackend(t, r)
}

func TestBuildRedisTLSConfig_NeedsHostname(t *testing.T) {
	_, err := buildRedisTLSConfig("")
	assert.Error(t, err)
	c, err := buildRedisTLSConfig("cache.internal")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal", c.ServerName)
}
