package orchestrator

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// AssetStore keeps screenshots and recordings on disk under
// <dir>/<runID>/. References are the run-relative path.
type AssetStore struct {
	dir string
}

func NewAssetStore(dir string) (*AssetStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("assets dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create assets dir: %w", err)
	}
	return &AssetStore{dir: dir}, nil
}

func (a *AssetStore) Write(runID string, name string, data []byte) (string, error) {
	runDir := filepath.Join(a.dir, filepath.Base(runID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	name = filepath.Base(name)
	if err := os.WriteFile(filepath.Join(runDir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// Resolve maps a run-relative reference to a file path, refusing anything
// that escapes the run's directory.
func (a *AssetStore) Resolve(runID string, ref string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(ref, "\\", "/"))
	if cleaned == "/" || strings.Contains(runID, "/") || strings.Contains(runID, "..") || runID == "" {
		return "", fmt.Errorf("%w: bad asset reference", ErrInvalid)
	}
	return filepath.Join(a.dir, runID, filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))), nil
}

func (a *AssetStore) Remove(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("%w: bad run id", ErrInvalid)
	}
	return os.RemoveAll(filepath.Join(a.dir, runID))
}
