package features

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// dateLayout is the calendar file date format.
const dateLayout = "2006-01-02"

// Calendar answers holiday lookups for time-series feature derivation and
// order-event enrichment.
type Calendar struct {
	holidays map[string]struct{} // "2006-01-02" → present
}

// calendarFile is the YAML shape of a holiday calendar file:
//
//	holidays:
//	  - 2026-01-01
//	  - 2026-12-25
type calendarFile struct {
	Holidays []string `yaml:"holidays"`
}

// defaultHolidays are fixed-date holidays applied when no calendar file is
// configured. Movable feasts require a configured calendar.
var defaultHolidays = []string{"01-01", "05-01", "12-25", "12-26"}

// NewCalendar builds a calendar from an explicit list of dates.
func NewCalendar(dates []time.Time) *Calendar {
	c := &Calendar{holidays: make(map[string]struct{}, len(dates))}
	for _, d := range dates {
		c.holidays[d.Format(dateLayout)] = struct{}{}
	}

	return c
}

// LoadCalendar reads a YAML holiday calendar from path. An empty path yields
// a calendar with only the fixed default holidays.
func LoadCalendar(path string) (*Calendar, error) {
	c := &Calendar{holidays: make(map[string]struct{})}

	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read holiday calendar %q: %w", path, err)
	}

	var file calendarFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse holiday calendar %q: %w", path, err)
	}

	for _, s := range file.Holidays {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("holiday calendar %q: invalid date %q: %w", path, s, err)
		}

		c.holidays[d.Format(dateLayout)] = struct{}{}
	}

	return c, nil
}

// IsHoliday reports whether date falls on a configured or fixed default holiday.
func (c *Calendar) IsHoliday(date time.Time) bool {
	if _, ok := c.holidays[date.Format(dateLayout)]; ok {
		return true
	}

	monthDay := date.Format("01-02")
	for _, d := range defaultHolidays {
		if monthDay == d {
			return true
		}
	}

	return false
}
