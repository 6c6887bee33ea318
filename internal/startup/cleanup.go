// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"time"

	"github.com/jmylchreest/tagsync/internal/storage"
)

// DefaultCleanupAge is the default maximum age for spool residue (1 hour).
const DefaultCleanupAge = 1 * time.Hour

// CleanupSpoolResidue removes interrupted downloads (".*.tmp") and
// abandoned encodes ("converted_*") older than maxAge from the spool. A
// younger file may belong to a cycle that is still running.
//
// Returns the number of files removed and any error encountered.
func CleanupSpoolResidue(logger *slog.Logger, spool *storage.Spool, maxAge time.Duration) (int, error) {
	entries, err := spool.List()
	if err != nil {
		logger.Error("failed to read spool for cleanup",
			"path", spool.Dir(),
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if entry.Kind != storage.KindTemp && entry.Kind != storage.KindConverted {
			continue
		}

		if entry.ModTime.After(cutoff) {
			logger.Debug("preserving recent spool residue",
				"path", entry.Path,
				"age", time.Since(entry.ModTime).Round(time.Second),
			)
			continue
		}

		if err := spool.Remove(entry.Name); err != nil {
			logger.Warn("failed to remove spool residue",
				"path", entry.Path,
				"error", err,
			)
			continue
		}

		logger.Info("removed spool residue",
			"path", entry.Path,
			"kind", entry.Kind.String(),
			"age", time.Since(entry.ModTime).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}
