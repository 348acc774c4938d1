package io

import (
	"context"
	"errors"
	"fmt"
	stdio "io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("object not found")

// Store is the object storage exported loops are written to.
type Store interface {
	Put(ctx context.Context, key, contentType string, r stdio.Reader) error
	Get(ctx context.Context, key string) (stdio.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// LocalStore keeps objects as files below Root. Keys use forward slashes.
type LocalStore struct {
	Root   string
	logger logrus.FieldLogger
}

func NewLocalStore(root string, logger logrus.FieldLogger) *LocalStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LocalStore{Root: root, logger: logger}
}

func (s *LocalStore) Put(ctx context.Context, key, contentType string, r stdio.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", key, err)
	}

	// write to a temp file so readers never observe a partial object
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	n, err := stdio.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"key":          key,
		"content_type": contentType,
		"bytes":        n,
	}).Debug("Object stored")
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (stdio.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, err
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

// URL returns a file:// URL for key, the local stand-in for a download URL.
func (s *LocalStore) URL(key string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(s.Root, clean), nil
}
