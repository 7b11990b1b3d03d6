package scenestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/banshee-data/avsg/internal/security"
)

// DataManager resolves dataset keys to local paths.
type DataManager interface {
	Require(key string) (string, error)
}

// LocalDataManager resolves keys relative to a dataset root directory. The
// root is passed in explicitly rather than read from the environment.
type LocalDataManager struct {
	root string
}

// NewLocalDataManager returns a data manager rooted at root.
func NewLocalDataManager(root string) *LocalDataManager {
	return &LocalDataManager{root: root}
}

// Root returns the dataset root.
func (dm *LocalDataManager) Root() string { return dm.root }

// Require returns the path for key, failing if it does not exist. Absolute
// keys are used as is; relative keys must stay under the root.
func (dm *LocalDataManager) Require(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty dataset key")
	}
	path := key
	if !filepath.IsAbs(key) {
		path = filepath.Join(dm.root, key)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("dataset key %q under %s: %w", key, dm.root, ErrNotFound)
		}
		return "", fmt.Errorf("dataset key %q: %w", key, err)
	}
	if !filepath.IsAbs(key) {
		if err := security.ValidatePathWithinDirectory(path, dm.root); err != nil {
			return "", fmt.Errorf("dataset key %q: %w", key, err)
		}
	}
	return path, nil
}
