package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/example/carpool/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
	p := models.Coord{Lat: 53.3498, Lng: -6.2603}
	if d := DistanceKm(p, p); d != 0 {
		t.Fatalf("expected 0 for identical points, got %f", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	pts := []models.Coord{
		{Lat: 53.3498, Lng: -6.2603},
		{Lat: 53.0, Lng: -6.0},
		{Lat: -33.8688, Lng: 151.2093},
		{Lat: 89.9, Lng: 179.9},
		{Lat: -89.9, Lng: -179.9},
	}
	for _, a := range pts {
		for _, b := range pts {
			ab, ba := DistanceKm(a, b), DistanceKm(b, a)
			if math.Abs(ab-ba) > 1e-9 {
				t.Fatalf("asymmetric distance %v<->%v: %f vs %f", a, b, ab, ba)
			}
		}
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111.19 km on a 6371 km sphere
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111.19) > 0.01 {
		t.Fatalf("expected ~111.19km, got %f", d)
	}
}

type candidate struct {
	id  string
	loc *models.Coord
}

func locateCandidate(c candidate) (models.Coord, bool) {
	if c.loc == nil {
		return models.Coord{}, false
	}
	return *c.loc, true
}

func TestWithinDublinScenario(t *testing.T) {
	pickup := models.Coord{Lat: 53.3498, Lng: -6.2603}
	near := models.Coord{Lat: 53.350, Lng: -6.260}
	far := models.Coord{Lat: 53.00, Lng: -6.00}

	if d := DistanceKm(pickup, near); d > 0.1 {
		t.Fatalf("expected near candidate within 0.1km, got %f", d)
	}
	if d := DistanceKm(pickup, far); d < 40 {
		t.Fatalf("expected far candidate beyond 40km, got %f", d)
	}

	got := Within(pickup, 5, []candidate{{"far", &far}, {"near", &near}, {"nowhere", nil}}, locateCandidate)
	if len(got) != 1 || got[0].id != "near" {
		t.Fatalf("expected only near candidate, got %+v", got)
	}
}

func TestWithinExcludesUnlocatable(t *testing.T) {
	items := []candidate{{"a", nil}, {"b", nil}}
	for _, r := range []float64{0, 1, 1e6} {
		if got := Within(models.Coord{}, r, items, locateCandidate); len(got) != 0 {
			t.Fatalf("radius %f: expected no results, got %d", r, len(got))
		}
	}
}

func TestWithinMonotonicInRadius(t *testing.T) {
	ref := models.Coord{Lat: 53.3498, Lng: -6.2603}
	var items []candidate
	for i := 0; i < 40; i++ {
		c := models.Coord{Lat: ref.Lat + float64(i)*0.01, Lng: ref.Lng - float64(i)*0.007}
		items = append(items, candidate{id: string(rune('a' + i%26)), loc: &c})
	}
	prev := 0
	for r := 0.0; r <= 50; r += 0.5 {
		n := len(Within(ref, r, items, locateCandidate))
		if n < prev {
			t.Fatalf("radius %f: result shrank from %d to %d", r, prev, n)
		}
		prev = n
	}
}

func TestWithinKeepsInputOrder(t *testing.T) {
	ref := models.Coord{}
	a := models.Coord{Lat: 0.02}
	b := models.Coord{Lat: 0.01}
	got := Within(ref, 10, []candidate{{"a", &a}, {"b", &b}}, locateCandidate)
	if len(got) != 2 || got[0].id != "a" || got[1].id != "b" {
		t.Fatalf("expected input order a,b got %+v", got)
	}
}

func TestNearestOrdersAndLimits(t *testing.T) {
	ref := models.Coord{}
	a := models.Coord{Lat: 0.03}
	b := models.Coord{Lat: 0.01}
	c := models.Coord{Lat: 0.02}
	items := []candidate{{"a", &a}, {"skip", nil}, {"b", &b}, {"c", &c}}

	got := Nearest(ref, items, locateCandidate, 0)
	if len(got) != 3 || got[0].id != "b" || got[1].id != "c" || got[2].id != "a" {
		t.Fatalf("unexpected order %+v", got)
	}
	got = Nearest(ref, items, locateCandidate, 2)
	if len(got) != 2 || got[0].id != "b" || got[1].id != "c" {
		t.Fatalf("unexpected top-2 %+v", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(models.Coord{Lat: 91}); !errors.Is(err, ErrInvalidLatitude) {
		t.Fatalf("expected latitude error, got %v", err)
	}
	if err := Validate(models.Coord{Lng: -181}); !errors.Is(err, ErrInvalidLongitude) {
		t.Fatalf("expected longitude error, got %v", err)
	}
	if err := Validate(models.Coord{Lat: 53.35, Lng: -6.26}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
