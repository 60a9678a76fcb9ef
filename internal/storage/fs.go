package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FSStore keeps answer files under one base directory, laid out by the
// answers/{attempt}/{question}/{filename} key scheme. Keys are validated on
// every operation; a key that is not a canonical answer key never reaches the
// filesystem.
type FSStore struct{ base string }

func NewFSStore(base string) (*FSStore, error) {
	if base == "" {
		base = "./data"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{base: base}, nil
}

func (s *FSStore) Put(key string, r io.Reader) (string, error) {
	dst, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return key, nil
}

func (s *FSStore) Get(key string) (io.ReadCloser, error) {
	dst, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(dst)
}

func (s *FSStore) resolve(key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.base, filepath.FromSlash(key)), nil
}
