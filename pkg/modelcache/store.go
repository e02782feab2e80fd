// Package modelcache manages the worker's local model cache directory.
// Each model occupies one directory named after the hub convention
// (models--owner--name); user-supplied models additionally carry their
// source file so they survive a restart.
package modelcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	dirPrefix        = "models--"
	customSourceFile = "custom_source"
)

// Store is a model cache rooted at one directory
type Store struct {
	dir string
}

// New creates a store, creating the cache directory if needed
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model cache dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the cache root
func (s *Store) Dir() string {
	return s.dir
}

// Scan lists the model ids present in the cache
func (s *Store) Scan() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan model cache: %w", err)
	}

	var models []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		models = append(models, decodeDirName(entry.Name()))
	}
	return models, nil
}

// Add records a model as cached
func (s *Store) Add(modelID string) error {
	if err := os.MkdirAll(s.path(modelID), 0755); err != nil {
		return fmt.Errorf("failed to add model %s to cache: %w", modelID, err)
	}
	return nil
}

// AddCustom records a user-supplied model with its source
func (s *Store) AddCustom(modelID, source string) error {
	if err := s.Add(modelID); err != nil {
		return err
	}
	path := filepath.Join(s.path(modelID), customSourceFile)
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		return fmt.Errorf("failed to store custom source for %s: %w", modelID, err)
	}
	return nil
}

// CustomSource returns the stored source for a custom model, or "" when
// the model is not custom
func (s *Store) CustomSource(modelID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.path(modelID), customSourceFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read custom source for %s: %w", modelID, err)
	}
	return string(data), nil
}

// Delete removes a model from the cache; absent models are a no-op
func (s *Store) Delete(modelID string) error {
	if err := os.RemoveAll(s.path(modelID)); err != nil {
		return fmt.Errorf("failed to delete model %s from cache: %w", modelID, err)
	}
	return nil
}

func (s *Store) path(modelID string) string {
	return filepath.Join(s.dir, dirPrefix+strings.ReplaceAll(modelID, "/", "--"))
}

func decodeDirName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, dirPrefix), "--", "/")
}
