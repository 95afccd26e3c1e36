package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anacrolix/log"
	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// Replaces the file in one step, so the watcher never sees a partial write.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, content)
	require.NoError(t, os.Rename(tmp, path))
}

func TestDefaultIsValid(t *testing.T) {
	qt.Assert(t, qt.IsNil(Default().Validate()))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	writeFile(t, path, "minimum_ratio: -1\nbonus_unit_bytes: 1073741824\nstorage:\n  driver: sqlite\n  path: t.sqlite\n")
	s, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, Disabled, s.MinimumRatio)
	assert.EqualValues(t, 1<<30, s.BonusUnitBytes)
	assert.Equal(t, "sqlite", s.Storage.Driver)
	// Untouched keys keep their defaults.
	assert.EqualValues(t, 5120, s.RatioGraceMB)
	assert.EqualValues(t, 900, s.AnnounceInterval)
	assert.Equal(t, ":6969", s.HTTP.Listen)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	writeFile(t, path, "")
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	writeFile(t, path, "minimum_ration: 1\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadValidates(t *testing.T) {
	dir := t.TempDir()
	for _, content := range []string{
		"announce_min_interval: 1000\n",
		"bonus_unit_bytes: 0\n",
		"ratio_grace_mb: -2\n",
		"storage:\n  driver: mysql\n",
		"default_numwant: 500\n",
		"announce_interval: 3600\nhit_and_run_grace_minutes: 60\n",
	} {
		path := filepath.Join(dir, "tracker.yaml")
		writeFile(t, path, content)
		_, err := Load(path)
		assert.Error(t, err, content)
	}
}

func TestValidateGraceExceedsInterval(t *testing.T) {
	s := Default()
	s.AnnounceInterval = 1800
	s.HitAndRunGraceMinutes = 30
	qt.Check(t, qt.ErrorMatches(s.Validate(), `hit_and_run_grace_minutes .* must exceed announce_interval .*`))
	s.HitAndRunGraceMinutes = 31
	qt.Check(t, qt.IsNil(s.Validate()))
	// Only the seeding policy sweeps.
	s.HitAndRunGraceMinutes = 0
	s.HitAndRunSeedingEnabled = false
	qt.Check(t, qt.IsNil(s.Validate()))
}

func TestLookup(t *testing.T) {
	s := Default()
	v, ok := s.Lookup("MINIMUM_RATIO")
	qt.Assert(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(v, "0.4"))
	v, ok = s.Lookup("BONUS_UNIT_BYTES")
	qt.Assert(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(v, "1000000"))
	_, ok = s.Lookup("minimum_ratio")
	qt.Check(t, qt.IsFalse(ok))
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	s := Default()
	s.TrackerID = "abc"
	require.NoError(t, Save(path, s))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	writeFile(t, path, "minimum_ratio: 0.5\n")
	var reloads atomic.Int32
	w, err := Watch(path, log.Default, func(s *Settings) {
		reloads.Add(1)
	})
	require.NoError(t, err)
	defer w.Close()
	first := w.Snapshot()
	assert.EqualValues(t, 0.5, first.MinimumRatio)

	replaceFile(t, path, "minimum_ratio: [\n")
	assert.False(t, w.Reload())
	assert.Same(t, first, w.Snapshot())
	assert.EqualValues(t, 0, reloads.Load())

	replaceFile(t, path, "minimum_ratio: 0.7\n")
	require.Eventually(t, func() bool {
		return w.Snapshot().MinimumRatio == 0.7
	}, 5*time.Second, 10*time.Millisecond)
	// Snapshots already handed out are not modified.
	assert.EqualValues(t, 0.5, first.MinimumRatio)
	assert.NotZero(t, reloads.Load())
}
