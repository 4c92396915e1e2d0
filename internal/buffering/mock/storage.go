// Package mock provides an in-memory implementation of [buffering.Storage]
// with fault injection, for exercising the engine's failure paths in unit
// tests.
//
// Storage is safe for concurrent use. Set the exported Fail* fields to make
// the matching operation return an error; inspect Files and the call
// counters afterwards.
//
// Typical usage:
//
//	st := mock.NewStorage()
//	st.SetFailAppend(true)
//	ctrl := buffering.New(st, buffering.Config{ChunkDurationSeconds: 2})
package mock

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/MrWong99/mictrail/internal/buffering"
)

// ErrInjected is returned by every operation whose failure was requested.
var ErrInjected = errors.New("mock storage: injected failure")

var _ buffering.Storage = (*Storage)(nil)

// Storage keeps segment files in memory.
type Storage struct {
	mu    sync.Mutex
	files map[string]*bytes.Buffer

	failCreate      bool
	failAppend      bool
	failWriteHeader bool
	failRemove      bool

	// CallCountCreate records how many times Create was called.
	CallCountCreate int

	// CallCountRemove records how many times Remove was called.
	CallCountRemove int

	// Removed lists the names passed to Remove, in call order.
	Removed []string
}

// NewStorage returns an empty Storage.
func NewStorage() *Storage {
	return &Storage{files: make(map[string]*bytes.Buffer)}
}

// SetFailCreate makes Create fail until reset.
func (s *Storage) SetFailCreate(v bool) { s.set(&s.failCreate, v) }

// SetFailAppend makes File.Append fail until reset.
func (s *Storage) SetFailAppend(v bool) { s.set(&s.failAppend, v) }

// SetFailWriteHeader makes File.WriteHeader fail until reset.
func (s *Storage) SetFailWriteHeader(v bool) { s.set(&s.failWriteHeader, v) }

// SetFailRemove makes Remove fail (leaving the file in place) until reset.
func (s *Storage) SetFailRemove(v bool) { s.set(&s.failRemove, v) }

func (s *Storage) set(field *bool, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field = v
}

// Create implements [buffering.Storage].
func (s *Storage) Create(name string) (buffering.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountCreate++
	if s.failCreate {
		return nil, ErrInjected
	}
	if _, ok := s.files[name]; ok {
		return nil, fmt.Errorf("mock storage: %q already exists", name)
	}
	s.files[name] = &bytes.Buffer{}
	return &file{s: s, name: name}, nil
}

// Remove implements [buffering.Storage].
func (s *Storage) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRemove++
	s.Removed = append(s.Removed, name)
	if s.failRemove {
		return ErrInjected
	}
	delete(s.files, name)
	return nil
}

// Location implements [buffering.Storage].
func (s *Storage) Location(name string) string { return "mem://" + name }

// List implements [buffering.Storage].
func (s *Storage) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for n := range s.files {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

// Open implements [buffering.Storage]. The returned reader is a snapshot.
func (s *Storage) Open(name string) (io.ReadSeekCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("mock storage: %q does not exist", name)
	}
	return nopCloser{bytes.NewReader(bytes.Clone(b.Bytes()))}, nil
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

// Put stores a file directly, bypassing Create. Useful for seeding leftovers.
func (s *Storage) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = bytes.NewBuffer(bytes.Clone(data))
}

// Contents returns a copy of the named file and whether it exists.
func (s *Storage) Contents(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	if !ok {
		return nil, false
	}
	return bytes.Clone(b.Bytes()), true
}

// Len returns the number of stored files.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type file struct {
	s      *Storage
	name   string
	closed bool
}

func (f *file) buf() (*bytes.Buffer, error) {
	if f.closed {
		return nil, errors.New("mock storage: file closed")
	}
	b, ok := f.s.files[f.name]
	if !ok {
		return nil, fmt.Errorf("mock storage: %q was removed", f.name)
	}
	return b, nil
}

func (f *file) Append(p []byte) (int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.failAppend {
		return 0, ErrInjected
	}
	b, err := f.buf()
	if err != nil {
		return 0, err
	}
	return b.Write(p)
}

func (f *file) WriteHeader(hdr []byte) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.failWriteHeader {
		return ErrInjected
	}
	b, err := f.buf()
	if err != nil {
		return err
	}
	data := b.Bytes()
	if len(data) < len(hdr) {
		b.Write(make([]byte, len(hdr)-len(data)))
		data = b.Bytes()
	}
	copy(data, hdr)
	return nil
}

func (f *file) Close() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.closed = true
	return nil
}
