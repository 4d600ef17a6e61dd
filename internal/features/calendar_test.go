package features

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCalendar_DefaultHolidays(t *testing.T) {
	c, err := LoadCalendar("")
	require.NoError(t, err)

	assert.True(t, c.IsHoliday(date(2026, time.January, 1)))
	assert.True(t, c.IsHoliday(date(2026, time.May, 1)))
	assert.True(t, c.IsHoliday(date(2026, time.December, 25)))
	assert.True(t, c.IsHoliday(date(2026, time.December, 26)))

	assert.False(t, c.IsHoliday(date(2026, time.March, 17)))
}

func TestCalendar_LoadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holidays.yaml")
	content := "holidays:\n  - 2026-04-06\n  - 2026-11-26\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := LoadCalendar(path)
	require.NoError(t, err)

	assert.True(t, c.IsHoliday(date(2026, time.April, 6)))
	assert.True(t, c.IsHoliday(date(2026, time.November, 26)))

	// Fixed defaults still apply alongside the configured dates.
	assert.True(t, c.IsHoliday(date(2026, time.January, 1)))
}

func TestLoadCalendar_Errors(t *testing.T) {
	_, err := LoadCalendar(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("holidays:\n  - not-a-date\n"), 0o600))

	_, err = LoadCalendar(bad)
	assert.Error(t, err)
}

func TestNewCalendar(t *testing.T) {
	c := NewCalendar([]time.Time{date(2026, time.June, 5)})

	assert.True(t, c.IsHoliday(date(2026, time.June, 5)))
	assert.False(t, c.IsHoliday(date(2026, time.June, 6)))
}
