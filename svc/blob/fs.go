package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const tmpPrefix = ".put-"

// FS keeps one file per blob in a single directory.
type FS struct {
	dir string
}

func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, errors.Wrap(err, "create blob dir")
	}
	f := &FS{dir: abs}
	f.sweep()
	return f, nil
}

// sweep removes temp files left by a crash mid Put.
func (f *FS) sweep() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			os.Remove(filepath.Join(f.dir, e.Name()))
		}
	}
}

func (f *FS) Dir() string { return f.dir }

func (f *FS) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, tmpPrefix+"*")
	if err != nil {
		return errors.Wrap(err, "create temp blob")
	}
	name := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(name)
		}
	}()
	if err := tmp.Chmod(0600); err != nil {
		return errors.Wrap(err, "chmod temp blob")
	}
	if _, err := tmp.Write(data); err != nil {
		return errors.Wrap(err, "write blob")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync blob")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close blob")
	}
	if err := os.Rename(name, filepath.Join(f.dir, key)); err != nil {
		return errors.Wrap(err, "publish blob")
	}
	ok = true
	return f.syncDir()
}

func (f *FS) syncDir() error {
	d, err := os.Open(f.dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	d.Sync()
	return nil
}

func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.dir, key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read blob")
	}
	return data, nil
}

func (f *FS) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(f.dir, key))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "delete blob")
}

func (f *FS) Ping(_ context.Context) error {
	st, err := os.Stat(f.dir)
	if err != nil {
		return errors.Wrap(err, "stat blob dir")
	}
	if !st.IsDir() {
		return errors.Errorf("%s is not a directory", f.dir)
	}
	return nil
}
