package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tagsync/internal/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeAged(t *testing.T, spool *storage.Spool, name string, age time.Duration) string {
	t.Helper()
	require.NoError(t, spool.WriteFile(name, []byte(name)))
	p := filepath.Join(spool.Dir(), name)
	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(p, ts, ts))
	return p
}

func TestCleanupSpoolResidue(t *testing.T) {
	t.Run("removes old temp and converted files", func(t *testing.T) {
		spool, err := storage.NewSpool(t.TempDir())
		require.NoError(t, err)

		oldTemp := writeAged(t, spool, ".A1.mp4.deadbeef.tmp", 2*time.Hour)
		oldEncode := writeAged(t, spool, "converted_A1.mp4", 2*time.Hour)

		count, err := CleanupSpoolResidue(newTestLogger(), spool, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		for _, p := range []string{oldTemp, oldEncode} {
			_, err := os.Stat(p)
			assert.True(t, os.IsNotExist(err), "%s should be removed", p)
		}
	})

	t.Run("preserves recent residue", func(t *testing.T) {
		spool, err := storage.NewSpool(t.TempDir())
		require.NoError(t, err)

		recent := writeAged(t, spool, "converted_B2.mp4", time.Minute)

		count, err := CleanupSpoolResidue(newTestLogger(), spool, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		_, err = os.Stat(recent)
		assert.NoError(t, err)
	})

	t.Run("never touches queued media or manifests", func(t *testing.T) {
		spool, err := storage.NewSpool(t.TempDir())
		require.NoError(t, err)

		kept := []string{
			writeAged(t, spool, "A1.mp4", 48*time.Hour),
			writeAged(t, spool, "A1.js", 48*time.Hour),
			writeAged(t, spool, "B2.png", 48*time.Hour),
		}

		count, err := CleanupSpoolResidue(newTestLogger(), spool, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		for _, p := range kept {
			_, err := os.Stat(p)
			assert.NoError(t, err)
		}
	})
}
