package features

import (
	"sort"
	"time"
)

// rollingWindowDays is the rolling-mean window for demand features.
const rollingWindowDays = 7

// DemandPoint is one observed demand sample in a product's history.
type DemandPoint struct {
	Date      time.Time
	Demand    float64
	Promotion bool
}

// TimeSeriesFeatures are the per-point features derived for the demand
// trainer. Lag and rolling fields are nil when the history does not reach
// back far enough; the trainer must tolerate absent features.
type TimeSeriesFeatures struct {
	Date           time.Time
	DayOfWeek      int // 0 = Sunday
	DayOfMonth     int
	Month          int
	Quarter        int
	IsWeekend      bool
	IsHoliday      bool
	Promotion      bool
	Demand         float64
	Lag1           *float64
	Lag7           *float64
	RollingMean7   *float64
}

// DeriveTimeSeries produces per-point features for a demand history, sorted
// ascending by date. The calendar supplies holiday flags; lag-1/lag-7 and the
// 7-day rolling mean are computed positionally over the sorted series.
func DeriveTimeSeries(history []DemandPoint, calendar *Calendar) []TimeSeriesFeatures {
	if len(history) == 0 {
		return nil
	}

	sorted := make([]DemandPoint, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	out := make([]TimeSeriesFeatures, len(sorted))

	for i, p := range sorted {
		f := TimeSeriesFeatures{
			Date:       p.Date,
			DayOfWeek:  int(p.Date.Weekday()),
			DayOfMonth: p.Date.Day(),
			Month:      int(p.Date.Month()),
			Quarter:    (int(p.Date.Month())-1)/3 + 1,
			IsWeekend:  p.Date.Weekday() == time.Saturday || p.Date.Weekday() == time.Sunday,
			IsHoliday:  calendar != nil && calendar.IsHoliday(p.Date),
			Promotion:  p.Promotion,
			Demand:     p.Demand,
		}

		if i >= 1 {
			lag1 := sorted[i-1].Demand
			f.Lag1 = &lag1
		}

		if i >= rollingWindowDays {
			lag7 := sorted[i-rollingWindowDays].Demand
			f.Lag7 = &lag7
		}

		if i >= rollingWindowDays-1 {
			var sum float64
			for j := i - rollingWindowDays + 1; j <= i; j++ {
				sum += sorted[j].Demand
			}

			mean := sum / rollingWindowDays
			f.RollingMean7 = &mean
		}

		out[i] = f
	}

	return out
}
