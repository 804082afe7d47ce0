package graphtable

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ByteRange addresses a slice of a named file.
type ByteRange struct {
	Offset int64
	Length int
}

// RangeData is the result of reading one ByteRange.
type RangeData struct {
	Offset int64
	Data   []byte
}

// Store is the byte-range random-access backing contract consumed by
// builders and readers. Implementations must return an error wrapping
// ErrNoSuchFile when the named file does not exist.
type Store interface {
	// GetBytes reads the whole named file.
	GetBytes(name string) ([]byte, error)

	// ReadV reads the given byte ranges. The sorted hint tells the
	// store the ranges arrive in ascending offset order.
	ReadV(name string, ranges []ByteRange, sorted bool) ([]RangeData, error)

	// RecommendedPageSize returns the preferred minimum read batch in
	// bytes; readers use it to size request expansion.
	RecommendedPageSize() int

	// Create opens a write stream for a new file.
	Create(name string) (io.WriteCloser, error)

	// Rename atomically renames a file.
	Rename(oldName, newName string) error

	// Stat returns the size of the named file.
	Stat(name string) (int64, error)

	// Delete removes the named file. Builders use it to discard
	// spilled temporaries.
	Delete(name string) error
}

// --------------------------------------------------------------------

// FileStore is an os-backed Store rooted at a directory.
type FileStore struct {
	// Root is the directory all names are resolved against.
	Root string

	// BatchSize overrides the recommended read batch.
	// Default: PageSize (local disks gain little from speculation).
	BatchSize int
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Root: dir}
}

func (s *FileStore) path(name string) string { return filepath.Join(s.Root, name) }

func wrapNotExist(err error, name string) error {
	if os.IsNotExist(err) {
		return errors.Wrapf(ErrNoSuchFile, "%s", name)
	}
	return err
}

// GetBytes implements Store.
func (s *FileStore) GetBytes(name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, wrapNotExist(err, name)
	}
	return data, nil
}

// ReadV implements Store.
func (s *FileStore) ReadV(name string, ranges []ByteRange, sorted bool) ([]RangeData, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, wrapNotExist(err, name)
	}
	defer f.Close()

	if !sorted {
		ranges = append([]ByteRange(nil), ranges...)
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Offset < ranges[j].Offset })
	}

	out := make([]RangeData, 0, len(ranges))
	for _, rng := range ranges {
		data := make([]byte, rng.Length)
		if _, err := f.ReadAt(data, rng.Offset); err != nil {
			return nil, errors.Wrapf(err, "graphtable: short read of %s at %d", name, rng.Offset)
		}
		out = append(out, RangeData{Offset: rng.Offset, Data: data})
	}
	return out, nil
}

// RecommendedPageSize implements Store.
func (s *FileStore) RecommendedPageSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return PageSize
}

// Create implements Store.
func (s *FileStore) Create(name string) (io.WriteCloser, error) {
	return os.Create(s.path(name))
}

// Rename implements Store.
func (s *FileStore) Rename(oldName, newName string) error {
	return wrapNotExist(os.Rename(s.path(oldName), s.path(newName)), oldName)
}

// Stat implements Store.
func (s *FileStore) Stat(name string) (int64, error) {
	fi, err := os.Stat(s.path(name))
	if err != nil {
		return 0, wrapNotExist(err, name)
	}
	return fi.Size(), nil
}

// Delete implements Store.
func (s *FileStore) Delete(name string) error {
	return wrapNotExist(os.Remove(s.path(name)), name)
}

// --------------------------------------------------------------------

// MemStore is a map-backed Store. Builders use it for spill scratch
// space when no directory is available; tests use it to observe I/O.
type MemStore struct {
	// BatchSize overrides the recommended read batch. Default: PageSize.
	BatchSize int

	mu        sync.RWMutex
	files     map[string][]byte
	reads     int
	bytesRead int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

// Put stores a complete file.
func (s *MemStore) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
}

// Reads returns the number of read calls served, for test assertions.
func (s *MemStore) Reads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads
}

// BytesRead returns the total number of bytes served, for test
// assertions.
func (s *MemStore) BytesRead() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytesRead
}

// GetBytes implements Store.
func (s *MemStore) GetBytes(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[name]
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchFile, "%s", name)
	}
	s.reads++
	s.bytesRead += len(data)
	return append([]byte(nil), data...), nil
}

// ReadV implements Store.
func (s *MemStore) ReadV(name string, ranges []ByteRange, sorted bool) ([]RangeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[name]
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchFile, "%s", name)
	}
	s.reads++

	if !sorted {
		ranges = append([]ByteRange(nil), ranges...)
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Offset < ranges[j].Offset })
	}

	out := make([]RangeData, 0, len(ranges))
	for _, rng := range ranges {
		end := rng.Offset + int64(rng.Length)
		if rng.Offset < 0 || end > int64(len(data)) {
			return nil, errors.Errorf("graphtable: short read of %s at %d", name, rng.Offset)
		}
		s.bytesRead += rng.Length
		out = append(out, RangeData{Offset: rng.Offset, Data: append([]byte(nil), data[rng.Offset:end]...)})
	}
	return out, nil
}

// RecommendedPageSize implements Store.
func (s *MemStore) RecommendedPageSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return PageSize
}

// Create implements Store.
func (s *MemStore) Create(name string) (io.WriteCloser, error) {
	return &memWriter{store: s, name: name}, nil
}

// Rename implements Store.
func (s *MemStore) Rename(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[oldName]
	if !ok {
		return errors.Wrapf(ErrNoSuchFile, "%s", oldName)
	}
	s.files[newName] = data
	delete(s.files, oldName)
	return nil
}

// Stat implements Store.
func (s *MemStore) Stat(name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.files[name]
	if !ok {
		return 0, errors.Wrapf(ErrNoSuchFile, "%s", name)
	}
	return int64(len(data)), nil
}

// Delete implements Store.
func (s *MemStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[name]; !ok {
		return errors.Wrapf(ErrNoSuchFile, "%s", name)
	}
	delete(s.files, name)
	return nil
}

type memWriter struct {
	store *MemStore
	name  string
	buf   bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.store.Put(w.name, w.buf.Bytes())
	return nil
}
