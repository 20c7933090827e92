package energy

import (
	"math"
	"time"

	"sunmeter/internal/domain"
)

// maxGapHours caps integration across communication gaps: intervals longer
// than 30 minutes are treated as "no data", never extrapolated.
const maxGapHours = 0.5

// DayEnergy integrates a time-ordered sequence of samples for a single
// device-day into kWh. Missing voltage/current values count as 0.0 and
// NaN/Inf increments are dropped without failing the day. An empty input
// yields 0.0; callers must treat that as no data, not as a measured zero.
func DayEnergy(samples []domain.RawSample) float64 {
	var wattHours float64
	var prev *time.Time
	for _, s := range samples {
		ts, err := time.Parse(time.RFC3339, s.Timestamp)
		if err != nil {
			continue
		}
		if prev != nil {
			dtHours := ts.Sub(*prev).Seconds() / 3600
			if dtHours > 0 && dtHours <= maxGapHours {
				increment := value(s.PanelVoltage) * value(s.PanelCurrent) * dtHours
				if !math.IsNaN(increment) && !math.IsInf(increment, 0) {
					wattHours += increment
				}
			}
		}
		prev = &ts
	}
	return wattHours / 1000
}

func value(v *float64) float64 {
	if v == nil {
		return 0.0
	}
	return *v
}
