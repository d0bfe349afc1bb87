// Package storage provides atomic, root-confined file access for the
// directory transport.
package storage

import "time"

// File describes one stored file.
type File struct {
	// Path is slash-separated and relative to the provider root.
	Path    string
	Size    int64
	ModTime time.Time
}

// Provider is the interface for record file operations. Paths are
// slash-separated and relative to the provider root.
type Provider interface {
	// List returns the files directly inside dir whose name ends in ext,
	// sorted by name. Hidden files are skipped.
	List(dir, ext string) ([]File, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically replaces the file at path with content.
	Write(path string, content []byte) error
	// Move renames oldPath to newPath, creating parent directories.
	Move(oldPath, newPath string) error
	// Root returns the absolute root directory.
	Root() string
}

var _ Provider = (*FS)(nil)
