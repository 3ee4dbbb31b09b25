package dfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/colinmarc/hdfs/v2"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// Hdfs implements FileSystem over an HDFS namenode.
type Hdfs struct {
	client *hdfs.Client
}

// NewHdfs connects to the namenode at addr ("nn:8020"). The site map may
// override the client user via "dfs.user".
func NewHdfs(addr string, site map[string]string) (*Hdfs, error) {
	opts := hdfs.ClientOptions{Addresses: strings.Split(addr, ",")}
	if user, ok := site["dfs.user"]; ok {
		opts.User = user
	}
	client, err := hdfs.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: connect namenode %s: %v", types.ErrDfs, addr, err)
	}
	return &Hdfs{client: client}, nil
}

func (h *Hdfs) Create(p string) (io.WriteCloser, error) {
	if err := h.client.MkdirAll(path.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", types.ErrDfs, path.Dir(p), err)
	}
	w, err := h.client.Create(p)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", types.ErrDfs, p, err)
	}
	return w, nil
}

func (h *Hdfs) Append(p string) (io.WriteCloser, error) {
	w, err := h.client.Append(p)
	if err != nil {
		if os.IsNotExist(err) {
			return h.Create(p)
		}
		return nil, fmt.Errorf("%w: append %s: %v", types.ErrDfs, p, err)
	}
	return w, nil
}

func (h *Hdfs) Open(p string) (io.ReadCloser, error) {
	r, err := h.client.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrDfs, p, err)
	}
	return r, nil
}

func (h *Hdfs) List(dir string) ([]FileInfo, error) {
	entries, err := h.client.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", types.ErrDfs, dir, err)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, FileInfo{Name: e.Name(), Size: e.Size(), IsDir: e.IsDir()})
	}
	return infos, nil
}

func (h *Hdfs) Rename(src, dst string) error {
	if err := h.client.Rename(src, dst); err != nil {
		return fmt.Errorf("%w: rename %s -> %s: %v", types.ErrDfs, src, dst, err)
	}
	return nil
}

func (h *Hdfs) Remove(p string) error {
	if err := h.client.RemoveAll(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", types.ErrDfs, p, err)
	}
	return nil
}

func (h *Hdfs) Exists(p string) (bool, error) {
	_, err := h.client.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", types.ErrDfs, p, err)
}

func (h *Hdfs) MkdirAll(dir string) error {
	if err := h.client.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", types.ErrDfs, dir, err)
	}
	return nil
}

func (h *Hdfs) ModTime(p string) (int64, error) {
	info, err := h.client.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", types.ErrDfs, p, err)
	}
	return info.ModTime().UnixMilli(), nil
}
