package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalSink writes outputs under a directory on the local filesystem.
type LocalSink struct {
	baseDir string
}

// NewLocalSink creates a local filesystem sink. Directories are created
// lazily as outputs are written.
func NewLocalSink(baseDir string) *LocalSink {
	return &LocalSink{baseDir: baseDir}
}

// Dir returns the sink root.
func (s *LocalSink) Dir() string { return s.baseDir }

// Path returns the output path for key.
func (s *LocalSink) Path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// TempPath returns the hidden sibling an output is staged in before rename.
func TempPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path))
}

// Exists checks if an output already exists.
func (s *LocalSink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.Path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Create opens the temp file for key, creating its directory if missing.
func (s *LocalSink) Create(ctx context.Context, key string) (Upload, error) {
	path := s.Path(key)
	tempPath := TempPath(path)

	dir := filepath.Dir(tempPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file %s: %w", tempPath, err)
	}

	return &localUpload{f: f, tempPath: tempPath, path: path}, nil
}

// URI returns the canonical URI for the given key.
func (s *LocalSink) URI(key string) string {
	absPath, err := filepath.Abs(s.Path(key))
	if err != nil {
		absPath = s.Path(key)
	}
	return "file://" + filepath.ToSlash(absPath)
}

// Close is a no-op for local storage.
func (s *LocalSink) Close() error {
	return nil
}

type localUpload struct {
	f         *os.File
	tempPath  string
	path      string
	committed bool
	closed    bool
}

func (u *localUpload) Write(p []byte) (int, error) {
	if u.closed {
		return 0, ErrUploadClosed
	}
	return u.f.Write(p)
}

// Commit syncs the temp file and renames it over the output path.
func (u *localUpload) Commit() error {
	if u.closed {
		return ErrUploadClosed
	}
	u.closed = true

	if err := u.f.Sync(); err != nil {
		u.f.Close()
		return fmt.Errorf("sync temp file %s: %w", u.tempPath, err)
	}
	if err := u.f.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", u.tempPath, err)
	}
	if err := os.Rename(u.tempPath, u.path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", u.tempPath, u.path, err)
	}
	u.committed = true
	return nil
}

// Abort removes the temp file and any partial output.
func (u *localUpload) Abort() error {
	if u.committed {
		return nil
	}
	if !u.closed {
		u.closed = true
		u.f.Close()
	}

	var errs []error
	for _, p := range []string{u.tempPath, u.path} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
