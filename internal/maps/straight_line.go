package maps

import (
	"context"
	"fmt"
	"math"
	"time"

	"scrapdispatch/internal/geo"
	"scrapdispatch/internal/types"
)

// StraightLine estimates a route from the great-circle distance and an
// average speed. Used when no maps API key is configured.
type StraightLine struct {
	SpeedKmh float64
}

func NewStraightLine(speedKmh float64) *StraightLine {
	return &StraightLine{SpeedKmh: speedKmh}
}

func (s *StraightLine) EstimateRoute(_ context.Context, origin, destination types.Point) (Estimate, error) {
	if s.SpeedKmh <= 0 {
		return Estimate{}, fmt.Errorf("straight line estimator: invalid speed %v", s.SpeedKmh)
	}
	km := geo.DistanceKm(origin.Lat, origin.Lng, destination.Lat, destination.Lng)
	hours := km / s.SpeedKmh
	return Estimate{
		Distance: fmt.Sprintf("%.1f km", km),
		Duration: FormatDuration(time.Duration(hours * float64(time.Hour))),
	}, nil
}

// FormatDuration renders d rounded to whole minutes, at least one minute.
func FormatDuration(d time.Duration) string {
	mins := int(math.Round(d.Minutes()))
	if mins < 1 {
		mins = 1
	}
	if mins < 60 {
		return fmt.Sprintf("%d min", mins)
	}
	h, m := mins/60, mins%60
	if m == 0 {
		return fmt.Sprintf("%d h", h)
	}
	return fmt.Sprintf("%d h %d min", h, m)
}
