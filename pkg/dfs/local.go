package dfs

import (
	"io"
	"os"
	"path/filepath"
)

// Local implements FileSystem over the host filesystem. Used for tests and
// single-node deployments where the root is a mounted shared volume.
type Local struct{}

// NewLocal returns a local filesystem.
func NewLocal() *Local { return &Local{} }

func (l *Local) Create(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

func (l *Local) Append(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func (l *Local) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (l *Local) List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := FileInfo{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			fi.Size = info.Size()
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

func (l *Local) Rename(src, dst string) error {
	return os.Rename(src, dst)
}

func (l *Local) Remove(path string) error {
	return os.RemoveAll(path)
}

func (l *Local) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (l *Local) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func (l *Local) ModTime(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixMilli(), nil
}
