// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"
	"sort"

	"scrapdispatch/internal/types"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push a past 1 for antipodal points.
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// Between returns the distance between two optional points. ok is false when
// either side is missing; callers must render that as "distance unknown".
func Between(a, b *types.Point) (km float64, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	return DistanceKm(a.Lat, a.Lng, b.Lat, b.Lng), true
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// SortByDistance orders items ascending by distance. Items whose distance is
// unknown go last, ordered by tie. The sort is stable.
func SortByDistance[T any](items []T, dist func(T) (float64, bool), tie func(a, b T) bool) {
	sort.SliceStable(items, func(i, j int) bool {
		di, oki := dist(items[i])
		dj, okj := dist(items[j])
		switch {
		case oki && okj:
			if di != dj {
				return di < dj
			}
			return tie(items[i], items[j])
		case oki:
			return true
		case okj:
			return false
		default:
			return tie(items[i], items[j])
		}
	})
}
