package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// stagedFile accumulates writes on a temporary file and commits them with
// an atomic rename, so a crash mid-write never loses the previous cache.
type stagedFile struct {
	file      *os.File
	finalPath string
	tempPath  string
}

func newStagedFile(path string) (*stagedFile, error) {
	if path == "" {
		return nil, errors.New("cache file path must not be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	pattern := filepath.Base(path) + ".tmp-*"
	tempFile, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	return &stagedFile{
		file:      tempFile,
		finalPath: path,
		tempPath:  tempFile.Name(),
	}, nil
}

func (s *stagedFile) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Commit flushes and atomically renames the staged file into place.
func (s *stagedFile) Commit() error {
	if err := s.file.Sync(); err != nil {
		s.Abort()
		return err
	}
	if err := s.file.Close(); err != nil {
		_ = os.Remove(s.tempPath)
		return err
	}
	if err := os.Rename(s.tempPath, s.finalPath); err != nil {
		_ = os.Remove(s.tempPath)
		return fmt.Errorf("commit cache file: %w", err)
	}
	return nil
}

// Abort discards the staged data; safe after a failed Commit.
func (s *stagedFile) Abort() {
	_ = s.file.Close()
	_ = os.Remove(s.tempPath)
}
