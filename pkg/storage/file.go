package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockName = ".lock"

// FileStorage keeps blobs in a local directory. The directory may be shared
// by several processes, writes go through a lock file.
type FileStorage struct {
	dir string
	fmu *flock.Flock
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		dir = "recordings"
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStorage{dir: dir, fmu: flock.New(filepath.Join(dir, lockName))}, nil
}

func (s *FileStorage) Dir() string { return s.dir }

func (s *FileStorage) path(name string) (string, error) {
	clean := filepath.Base(filepath.Clean(name))
	if clean != name || name == lockName || name == "." {
		return "", errors.New("bad blob name")
	}
	return filepath.Join(s.dir, clean), nil
}

// Save writes into a temporary file and renames it so readers never see a half of it.
func (s *FileStorage) Save(ctx context.Context, name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = s.fmu.Lock(); err != nil {
		return err
	}
	defer func() { _ = s.fmu.Unlock() }()

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStorage) Load(_ context.Context, name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}
