package inventory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/pkg/access"
)

// PathFor returns the inventory file of the leaf section at path:
// <rootDir>/<s1>/<s2>/.../<leaf>.json
func PathFor(rootDir string, path []string) string {
	parts := append([]string{rootDir}, path...)
	return filepath.Join(parts...) + ".json"
}

// Provision mirrors the section tree on disk: a directory for every section
// with subsections and an empty inventory file for every leaf that does not
// have one yet. Existing files are left alone.
func Provision(rootDir string, policy *access.Policy, logger lg.Logger) error {
	return policy.Walk(func(path []string, section *access.Section) error {
		if !section.IsLeaf() {
			dir := filepath.Join(append([]string{rootDir}, path...)...)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("provision %s: %w", dir, err)
			}
			return nil
		}

		file := PathFor(rootDir, path)
		if _, err := os.Stat(file); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("provision %s: %w", file, err)
		}
		if _, err := Create(file); err != nil {
			return err
		}
		logger.Info("created inventory file", lg.String("path", file))
		return nil
	})
}
