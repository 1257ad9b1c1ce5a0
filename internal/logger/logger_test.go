package logger

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCSV(t *testing.T, dir string) [][][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "cesam_*.csv"))
	require.NoError(t, err)

	var out [][][]string
	for _, f := range files {
		fh, err := os.Open(f)
		require.NoError(t, err)
		rows, err := csv.NewReader(fh).ReadAll()
		fh.Close()
		require.NoError(t, err)
		out = append(out, rows)
	}
	return out
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir})
	l.Speed(10)
	l.Close()

	assert.Empty(t, readCSV(t, dir))
}

func TestRecordsRows(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	l.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	l.State("connected")
	l.Speed(255)
	l.Command("open", nil)
	l.Command("close", errors.New("ble: not connected"))
	l.Error(errors.New("link lost"))
	l.Close()

	files := readCSV(t, dir)
	require.Len(t, files, 1)
	rows := files[0]
	require.Len(t, rows, 6)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"2024-05-01T12:00:00Z", "state", "connected", "", "", ""}, rows[1])
	assert.Equal(t, []string{"2024-05-01T12:00:00Z", "speed", "", "255", "", ""}, rows[2])
	assert.Equal(t, "ok", rows[3][5])
	assert.Equal(t, "ble: not connected", rows[4][5])
	assert.Equal(t, []string{"2024-05-01T12:00:00Z", "error", "", "", "", "link lost"}, rows[5])
}

func TestSetEnabledAtRuntime(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	assert.False(t, l.IsEnabled())

	l.SetEnabled(true)
	l.Speed(1)
	l.SetEnabled(false)
	l.Speed(2)
	l.Close()

	files := readCSV(t, dir)
	require.Len(t, files, 1)
	assert.Len(t, files[0], 2)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	tick := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}

	l.Speed(1)
	l.mu.Lock()
	l.rows = maxRowsPerFile
	l.mu.Unlock()
	l.Speed(2)
	l.Close()

	assert.Len(t, readCSV(t, dir), 2)
}
