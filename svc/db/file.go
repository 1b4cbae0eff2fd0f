package db

import (
	"context"
	"io"
	"os"
	"pastebin/svc/util"
	"sync"

	"github.com/pkg/errors"
)

// FileHandle abstracts the random-access file operations the file backend
// needs, so tests can inject failures.
type FileHandle interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Stat() (os.FileInfo, error)
	Close() error
}

type fileHandle struct {
	file *os.File
}

func NewFileHandle(file *os.File) FileHandle { return &fileHandle{file: file} }

func (fh *fileHandle) ReadAt(b []byte, off int64) (int, error)  { return fh.file.ReadAt(b, off) }
func (fh *fileHandle) WriteAt(b []byte, off int64) (int, error) { return fh.file.WriteAt(b, off) }
func (fh *fileHandle) Truncate(size int64) error                { return fh.file.Truncate(size) }
func (fh *fileHandle) Sync() error                              { return fh.file.Sync() }
func (fh *fileHandle) Stat() (os.FileInfo, error)               { return fh.file.Stat() }
func (fh *fileHandle) Close() error                             { return fh.file.Close() }

// ErrFailed means a journal could be neither written nor cleared, so the
// outcome of the last commit is only known after a reopen replays it.
var ErrFailed = errors.New("file backend failed, reopen to recover")

// File stores page n at byte offset n*pageSize of a single data file.
//
// Every commit goes through the journal first. Once the journal is synced
// the commit is decided: if writing the data file then fails, the pages are
// kept in pending and served from there until a later commit or a reopen
// manages to apply them.
type File struct {
	mu       sync.Mutex
	path     string
	data     FileHandle
	journal  *Journal
	pageSize int
	pending  map[uint64][]byte
	failed   error
	closed   bool
}

func OpenFile(path string, pageSize int) (*File, error) {
	if path == "" {
		return nil, errors.New("file backend needs a path")
	}
	if pageSize <= 0 {
		return nil, errors.Errorf("invalid page size %d", pageSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open data file")
	}
	j, err := OpenJournal(path + "-journal")
	if err != nil {
		f.Close()
		return nil, err
	}
	fb := &File{
		path:     path,
		data:     NewFileHandle(f),
		journal:  j,
		pageSize: pageSize,
	}
	if err := fb.recover(); err != nil {
		fb.Close()
		return nil, errors.Wrap(err, "recover journal")
	}
	return fb, nil
}

func (f *File) recover() error {
	pages, err := f.journal.Recover()
	if err != nil {
		return err
	}
	if len(pages) > 0 {
		util.Warn().Str("path", f.path).Int("pages", len(pages)).Msg("replaying journal from interrupted commit")
		if err := f.apply(pages); err != nil {
			return err
		}
	}
	return f.journal.Reset()
}

func (f *File) ReadPage(ctx context.Context, n uint64, buf []byte) error {
	if err := checkLen(len(buf), f.pageSize); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return err
	}
	if page, ok := f.pending[n]; ok {
		copy(buf, page)
		return nil
	}
	read, err := f.data.ReadAt(buf, int64(n)*int64(f.pageSize))
	if err == io.EOF {
		zero(buf[read:])
		return nil
	}
	return errors.Wrapf(err, "read page %d", n)
}

func (f *File) Commit(ctx context.Context, pages map[uint64][]byte) error {
	for _, data := range pages {
		if err := checkLen(len(data), f.pageSize); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return err
	}
	// The journal holds one commit, so an unapplied one must land first.
	if f.pending != nil {
		if err := f.settle(); err != nil {
			return errors.Wrap(err, "apply previous commit")
		}
	}
	if err := f.journal.Write(pages); err != nil {
		if rerr := f.journal.Reset(); rerr != nil {
			f.failed = errors.Wrapf(rerr, "clear journal after %v", err)
			util.Error().Err(f.failed).Str("path", f.path).Msg("journal stuck, commit outcome unknown until reopen")
			return ErrFailed
		}
		return err
	}
	f.pending = make(map[uint64][]byte, len(pages))
	for n, data := range pages {
		f.pending[n] = append([]byte(nil), data...)
	}
	if err := f.settle(); err != nil {
		util.Warn().Err(err).Str("path", f.path).Int("pages", len(pages)).Msg("commit journaled but not yet applied")
	}
	return nil
}

func (f *File) usable() error {
	if f.closed {
		return ErrClosed
	}
	if f.failed != nil {
		return ErrFailed
	}
	return nil
}

// settle writes pending to the data file and clears the journal. A journal
// that cannot be cleared is harmless: replaying it rewrites the same pages,
// and the next commit overwrites it.
func (f *File) settle() error {
	if err := f.apply(f.pending); err != nil {
		return err
	}
	f.pending = nil
	if err := f.journal.Reset(); err != nil {
		util.Warn().Err(err).Str("path", f.path).Msg("journal reset failed")
	}
	return nil
}

func (f *File) apply(pages map[uint64][]byte) error {
	for _, n := range sortedPages(pages) {
		if _, err := f.data.WriteAt(pages[n], int64(n)*int64(f.pageSize)); err != nil {
			return errors.Wrapf(err, "write page %d", n)
		}
	}
	return errors.Wrap(f.data.Sync(), "sync data file")
}

func (f *File) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return err
	}
	_, err := f.data.Stat()
	return err
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.pending != nil && f.failed == nil {
		if err := f.settle(); err != nil {
			util.Warn().Err(err).Str("path", f.path).Msg("closing with journaled commit, it replays on open")
		}
	}
	jerr := f.journal.Close()
	if err := f.data.Close(); err != nil {
		return err
	}
	return jerr
}
