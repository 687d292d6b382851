// Package fsys is the file access used by the build pipeline. Descriptor and
// manifest files are only touched through an FS so the pipeline can run
// against memory in tests.
package fsys

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FS reads and overwrites whole files.
type FS interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// Dir is an FS rooted at a directory on disk. Relative names are resolved
// against the root; absolute names are used as is.
type Dir string

func (d Dir) path(name string) string {
	if filepath.IsAbs(name) || d == "" {
		return name
	}
	return filepath.Join(string(d), name)
}

func (d Dir) ReadFile(name string) ([]byte, error) {
	f, err := os.Open(d.path(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile truncates and rewrites name, keeping the mode of an existing file.
func (d Dir) WriteFile(name string, data []byte) error {
	p := d.path(name)
	perm := fs.FileMode(0o644)
	if fi, err := os.Stat(p); err == nil {
		perm = fi.Mode().Perm()
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Mem is an in-memory FS. The zero value is ready to use.
type Mem struct {
	mu     sync.Mutex
	files  map[string][]byte
	writes []string
}

// NewMem returns a Mem holding a copy of files.
func NewMem(files map[string][]byte) *Mem {
	m := &Mem{files: make(map[string][]byte, len(files))}
	for name, data := range files {
		m.files[filepath.Clean(name)] = append([]byte(nil), data...)
	}
	return m
}

func (m *Mem) ReadFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[filepath.Clean(name)]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *Mem) WriteFile(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[string][]byte)
	}
	name = filepath.Clean(name)
	m.files[name] = append([]byte(nil), data...)
	m.writes = append(m.writes, name)
	return nil
}

// Writes returns the names passed to WriteFile, in call order.
func (m *Mem) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}
