package dfs

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// FileInfo describes one DFS entry.
type FileInfo struct {
	Name  string // base name
	Size  int64
	IsDir bool
}

// FileSystem is the narrow DFS surface shuttle relies on:
// append-until-close writes, atomic rename, list. A worker appends to each
// part file from exactly one dumper, so writers need not be concurrent.
type FileSystem interface {
	// Create opens a new file for sequential writing, creating parents.
	Create(path string) (io.WriteCloser, error)
	// Append opens an existing file for appending, creating it if absent.
	Append(path string) (io.WriteCloser, error)
	// Open opens a file for sequential reading.
	Open(path string) (io.ReadCloser, error)
	// List returns the entries of a directory.
	List(dir string) ([]FileInfo, error)
	// Rename atomically renames src to dst.
	Rename(src, dst string) error
	// Remove deletes a file or directory tree.
	Remove(path string) error
	// Exists reports whether the path exists.
	Exists(path string) (bool, error)
	// MkdirAll creates a directory and parents.
	MkdirAll(dir string) error
	// ModTime returns the modification time of path in unix millis.
	ModTime(path string) (int64, error)
}

// New dispatches on the root URI scheme: file:// roots map to the local
// filesystem, hdfs:// roots to an HDFS client. The returned root is the
// path component the layout helpers prepend.
func New(rootURI string, site map[string]string) (FileSystem, string, error) {
	u, err := url.Parse(rootURI)
	if err != nil {
		return nil, "", fmt.Errorf("%w: root dir %q: %v", types.ErrConfig, rootURI, err)
	}
	switch u.Scheme {
	case "", "file":
		return NewLocal(), u.Path, nil
	case "hdfs":
		fs, err := NewHdfs(u.Host, site)
		if err != nil {
			return nil, "", err
		}
		return fs, u.Path, nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported dfs scheme %q", types.ErrConfig, u.Scheme)
	}
}

// Join joins path elements with forward slashes regardless of platform;
// DFS paths are always slash-separated.
func Join(elem ...string) string {
	return strings.Join(elem, "/")
}
