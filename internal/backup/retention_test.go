package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touch creates an empty snapshot file named for ts.
func touch(t *testing.T, dir string, ts time.Time) string {
	t.Helper()
	path := filepath.Join(dir, filePrefix+ts.UTC().Format("20060102-150405.000000")+".db")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	older := touch(t, dir, epoch.Add(-2*time.Hour))
	newer := touch(t, dir, epoch.Add(-time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.db"), 0o755))

	manual := filepath.Join(dir, "manual.db")
	require.NoError(t, os.WriteFile(manual, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(manual, epoch, epoch))

	snaps, err := list(dir)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{manual, newer, older}, []string{snaps[0].Path, snaps[1].Path, snaps[2].Path},
		"named snapshots use their encoded time, others the mtime")
}

func TestList_MissingDirectory(t *testing.T) {
	_, err := list(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestParseName(t *testing.T) {
	ts, ok := parseName("companion-20260301-120000.000000.db")
	require.True(t, ok)
	assert.True(t, ts.Equal(epoch))

	for _, name := range []string{"manual.db", "companion-yesterday.db", "other-20260301-120000.000000.db"} {
		_, ok := parseName(name)
		assert.False(t, ok, name)
	}
}

func TestPrune_Tiers(t *testing.T) {
	dir := t.TempDir()
	var hourly, daily []string
	for i := 1; i <= 4; i++ {
		hourly = append(hourly, touch(t, dir, epoch.Add(-time.Duration(i)*time.Hour)))
	}
	for i := 1; i <= 3; i++ {
		daily = append(daily, touch(t, dir, epoch.Add(-time.Duration(i)*day-time.Hour)))
	}
	weekly := touch(t, dir, epoch.Add(-10*day))
	monthly := touch(t, dir, epoch.Add(-60*day))
	expired := touch(t, dir, epoch.Add(-400*day))

	require.NoError(t, prune(dir, Retention{Hourly: 2, Daily: 1, Weekly: 1, Monthly: 1}, epoch))

	for _, kept := range []string{hourly[0], hourly[1], daily[0], weekly, monthly} {
		assert.FileExists(t, kept)
	}
	for _, gone := range []string{hourly[2], hourly[3], daily[1], daily[2], expired} {
		assert.NoFileExists(t, gone)
	}
}

func TestPrune_Empty(t *testing.T) {
	assert.NoError(t, prune(t.TempDir(), DefaultRetention(), epoch))
}

func TestCreate_AppliesRetention(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "companion.db")
	seedDB(t, dbPath, "User likes tennis")

	dir := t.TempDir()
	stale := touch(t, dir, epoch.Add(-2*time.Hour))
	svc, err := New(Config{
		DBPath:    dbPath,
		Dir:       dir,
		Retention: Retention{Hourly: 1},
		Now:       func() time.Time { return epoch },
	})
	require.NoError(t, err)

	snap, err := svc.Create(t.Context())
	require.NoError(t, err)
	assert.FileExists(t, snap.Path)
	assert.NoFileExists(t, stale)
}
