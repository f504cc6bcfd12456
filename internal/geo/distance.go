package geo

import (
	"errors"
	"fmt"
	"math"

	"orderFulfillment/models"
)

const (
	// EarthRadiusKm is Earth's mean radius in kilometres for Haversine calculation.
	EarthRadiusKm = 6371.0088
	// ArrivalRadiusMeters is how close a driver must be to count as arrived.
	ArrivalRadiusMeters = 50.0
)

// ErrInvalidCoordinate is returned for out-of-range or non-finite coordinates.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// ValidateCoordinate checks that c is a finite WGS84 position.
// The null island (0,0) is rejected because clients send it for "unset".
func ValidateCoordinate(c models.Coordinate) error {
	switch {
	case math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0):
		return fmt.Errorf("%w: not a number", ErrInvalidCoordinate)
	case c.Lat < -90 || c.Lat > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, c.Lat)
	case c.Lng < -180 || c.Lng > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, c.Lng)
	case c.Lat == 0 && c.Lng == 0:
		return fmt.Errorf("%w: unset", ErrInvalidCoordinate)
	}
	return nil
}

// HaversineKm calculates the great-circle distance between two points
// on Earth in kilometres using the Haversine formula.
func HaversineKm(a, b models.Coordinate) float64 {
	const degToRad = math.Pi / 180
	dLat := (b.Lat - a.Lat) * degToRad
	dLng := (b.Lng - a.Lng) * degToRad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*degToRad)*math.Cos(b.Lat*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// PolylineKm is the summed length of consecutive segments.
func PolylineKm(points []models.Coordinate) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += HaversineKm(points[i-1], points[i])
	}
	return total
}

// IsWithinRadius checks if two coordinates are within radiusMeters of each other.
func IsWithinRadius(a, b models.Coordinate, radiusMeters float64) bool {
	return HaversineKm(a, b)*1000 <= radiusMeters
}
