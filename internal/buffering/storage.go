package buffering

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Storage is the platform capability the segment engine needs from a file
// system: create a segment file, append to it, rewrite its header at offset
// 0, and delete it. Everything else (rollover, retention, metadata) is
// implemented once on top of this interface.
//
// Implementations must be safe for concurrent use across distinct names.
type Storage interface {
	// Create makes a new, empty file called name. It fails if the file
	// already exists or the backing directory cannot be created.
	Create(name string) (File, error)

	// Remove deletes name. Removing a file that does not exist is not an
	// error.
	Remove(name string) error

	// Location returns the reference reported to callers for name (for
	// DirStorage, the absolute file path).
	Location(name string) string

	// List returns the names of all files currently held by the storage.
	List() ([]string, error)

	// Open returns a read-only view of name. The view stays readable after
	// the file is removed.
	Open(name string) (io.ReadSeekCloser, error)
}

// File is an open, growing segment file.
type File interface {
	// Append writes p at the current end of the file and reports how many
	// bytes were written.
	Append(p []byte) (int, error)

	// WriteHeader overwrites the first len(hdr) bytes of the file.
	WriteHeader(hdr []byte) error

	// Close releases the handle. Closing twice returns nil.
	Close() error
}

// segmentExt is the extension given to every segment file.
const segmentExt = ".wav"

// DirStorage is a [Storage] backed by a single directory on the local file
// system. The directory is created on first use.
type DirStorage struct {
	dir string
}

var _ Storage = (*DirStorage)(nil)

// NewDirStorage returns a [DirStorage] rooted at dir. Relative paths are
// resolved against the working directory so that segment locations are
// always absolute.
func NewDirStorage(dir string) (*DirStorage, error) {
	if dir == "" {
		return nil, errors.New("buffering: storage directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("buffering: resolve %q: %w", dir, err)
	}
	return &DirStorage{dir: abs}, nil
}

// Dir returns the absolute directory path.
func (s *DirStorage) Dir() string { return s.dir }

// Create implements [Storage].
func (s *DirStorage) Create(name string) (File, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("buffering: create directory %q: %w", s.dir, err)
	}
	f, err := os.OpenFile(s.path(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buffering: create %q: %w", name, err)
	}
	return &osFile{f: f}, nil
}

// Remove implements [Storage].
func (s *DirStorage) Remove(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("buffering: remove %q: %w", name, err)
	}
	return nil
}

// Location implements [Storage].
func (s *DirStorage) Location(name string) string { return s.path(name) }

// Open implements [Storage].
func (s *DirStorage) Open(name string) (io.ReadSeekCloser, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("buffering: open %q: %w", name, err)
	}
	return f, nil
}

// List implements [Storage]. Only segment files are reported; a missing
// directory yields an empty list.
func (s *DirStorage) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buffering: list %q: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), segmentExt) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CheckWritable creates and removes a probe file in the directory. Used by
// the readiness check.
func (s *DirStorage) CheckWritable() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("buffering: create directory %q: %w", s.dir, err)
	}
	f, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("buffering: directory %q not writable: %w", s.dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (s *DirStorage) path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// osFile adapts *os.File to [File].
type osFile struct {
	f      *os.File
	closed bool
}

func (o *osFile) Append(p []byte) (int, error) {
	if o.closed {
		return 0, os.ErrClosed
	}
	if _, err := o.f.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}
	return o.f.Write(p)
}

func (o *osFile) WriteHeader(hdr []byte) error {
	if o.closed {
		return os.ErrClosed
	}
	_, err := o.f.WriteAt(hdr, 0)
	return err
}

func (o *osFile) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	return o.f.Close()
}
