package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"beacon/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "beacon.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("sqlite payload"), 0o644))

	return NewScheduler(&config.Config{
		Env:       "production",
		DBDriver:  "sqlite",
		DBPath:    dbPath,
		BackupDir: filepath.Join(dir, "backups"),
	})
}

func TestSnapshot(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Snapshot())

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(s.dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "sqlite payload", string(data))
}

func TestPruneKeepsMostRecent(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, os.MkdirAll(s.dir, 0o755))

	// Older timestamps sort first and are pruned first.
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < keep+3; i++ {
		name := filePrefix + base.Add(time.Duration(i)*time.Hour).Format("20060102-150405") + fileSuffix
		require.NoError(t, os.WriteFile(filepath.Join(s.dir, name), []byte("x"), 0o644))
	}
	// Unrelated files are never touched.
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("keep me"), 0o644))

	require.NoError(t, s.Prune())

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)

	var backups, others int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == fileSuffix && len(e.Name()) > len(filePrefix) && e.Name()[:len(filePrefix)] == filePrefix {
			backups++
		} else {
			others++
		}
	}
	assert.Equal(t, keep, backups)
	assert.Equal(t, 1, others)

	// The oldest were removed.
	_, err = os.Stat(filepath.Join(s.dir, filePrefix+base.Format("20060102-150405")+fileSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestSchedulerDisabledOutsideProduction(t *testing.T) {
	s := NewScheduler(&config.Config{Env: "development", DBDriver: "sqlite", DBPath: "x.db", BackupDir: "y"})
	assert.False(t, s.enabled)

	s = NewScheduler(&config.Config{Env: "production", DBDriver: "postgres", BackupDir: "y"})
	assert.False(t, s.enabled)

	s = NewScheduler(&config.Config{Env: "production", DBDriver: "sqlite", DBPath: "x.db", BackupDir: "y"})
	assert.True(t, s.enabled)
	s.Stop()
}
