package geo

import (
	"errors"
	"math"

	"github.com/example/carpool/internal/models"
)

// EarthRadiusKm is the spherical-earth radius used for all distances.
const EarthRadiusKm = 6371.0

var (
	ErrInvalidLatitude  = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude = errors.New("longitude must be between -180 and 180")
)

// Validate checks that c is a real point on the globe.
func Validate(c models.Coord) error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return ErrInvalidLatitude
	}
	if math.IsNaN(c.Lng) || c.Lng < -180 || c.Lng > 180 {
		return ErrInvalidLongitude
	}
	return nil
}

// Haversine distance in kilometers
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Locator extracts an item's coordinate. ok=false means the item is not yet
// locatable and is skipped by every function in this package.
type Locator[T any] func(item T) (c models.Coord, ok bool)

// Within returns the items whose coordinate lies at most maxKm from ref,
// in input order.
func Within[T any](ref models.Coord, maxKm float64, items []T, locate Locator[T]) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		c, ok := locate(it)
		if !ok {
			continue
		}
		if DistanceKm(ref, c) <= maxKm {
			out = append(out, it)
		}
	}
	return out
}

// Nearest returns up to limit locatable items ordered nearest-first.
// limit <= 0 returns all of them.
func Nearest[T any](ref models.Coord, items []T, locate Locator[T], limit int) []T {
	type pair struct {
		it   T
		dist float64
	}
	arr := make([]pair, 0, len(items))
	for _, it := range items {
		c, ok := locate(it)
		if !ok {
			continue
		}
		arr = append(arr, pair{it, DistanceKm(ref, c)})
	}
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	// partial selection sort for top-N; ties keep input order
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		if minIdx != i {
			m := arr[minIdx]
			copy(arr[i+1:minIdx+1], arr[i:minIdx])
			arr[i] = m
		}
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].it)
	}
	return out
}

// RideHost locates a ride by its host's shared position.
func RideHost(r *models.Ride) (models.Coord, bool) { return r.HostCoord() }
