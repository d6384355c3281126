package domain

import "math"

const earthRadiusMeters = 6371008.8

// StationaryRadius is the distance under which two consecutive samples are
// considered the same place.
const StationaryRadius = 50.0

// Distance returns the great-circle distance in meters between a and b.
func Distance(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// movedFrom reports whether pos is farther than StationaryRadius from the last
// sample. A missing last sample counts as movement.
func movedFrom(last *Sample, pos Location) bool {
	if last == nil {
		return true
	}
	return Distance(last.Position, pos) > StationaryRadius
}
