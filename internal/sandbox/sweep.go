package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultWorkspaceMaxAge is how long kept workspaces survive before a sweep.
const DefaultWorkspaceMaxAge = 7 * 24 * time.Hour

// SweepResult reports what a workspace sweep removed.
type SweepResult struct {
	Removed []string
	Kept    int
}

// SweepWorkspaces removes workspace directories directly under root whose
// modification time is older than maxAge. A missing root is not an error.
func SweepWorkspaces(root string, maxAge time.Duration, now time.Time) (SweepResult, error) {
	var res SweepResult
	if maxAge <= 0 {
		maxAge = DefaultWorkspaceMaxAge
	}
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read workspace root: %w", err)
	}
	cutoff := now.Add(-maxAge)
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			res.Kept++
			continue
		}
		dir := filepath.Join(root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		res.Removed = append(res.Removed, dir)
	}
	return res, errors.Join(errs...)
}
