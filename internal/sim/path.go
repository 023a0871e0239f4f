package sim

import (
	"errors"
	"sort"

	"bustrack/internal/geo"
	"bustrack/internal/model"
)

var ErrRouteTooShort = errors.New("route needs at least two stops to simulate")

// Path is a route's stops laid end to end, with cumulative distance from the
// first stop to each one.
type Path struct {
	stops []model.RouteStop
	cum   []float64
}

func NewPath(stops []model.RouteStop) (*Path, error) {
	if len(stops) < 2 {
		return nil, ErrRouteTooShort
	}
	ordered := append([]model.RouteStop(nil), stops...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	cum := make([]float64, len(ordered))
	for i := 1; i < len(ordered); i++ {
		a, b := ordered[i-1], ordered[i]
		cum[i] = cum[i-1] + geo.DistanceMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
	}
	return &Path{stops: ordered, cum: cum}, nil
}

// Length is the distance from the first stop to the last, in meters.
func (p *Path) Length() float64 { return p.cum[len(p.cum)-1] }

// At returns the position dist meters along the path and the heading of the
// segment it lies on. dist is clamped to [0, Length].
func (p *Path) At(dist float64) (lat, lon, heading float64) {
	if dist < 0 {
		dist = 0
	}
	if total := p.Length(); dist > total {
		dist = total
	}

	// find segment i s.t. cum[i] <= dist <= cum[i+1], skipping zero-length hops
	i := 0
	for i+2 < len(p.cum) && dist > p.cum[i+1] {
		i++
	}
	for i+2 < len(p.cum) && p.cum[i+1] == p.cum[i] {
		i++
	}
	a, b := p.stops[i], p.stops[i+1]
	seg := p.cum[i+1] - p.cum[i]
	frac := 0.0
	if seg > 0 {
		frac = (dist - p.cum[i]) / seg
	}
	lat, lon = geo.Interpolate(a.Latitude, a.Longitude, b.Latitude, b.Longitude, frac)
	heading = geo.BearingDeg(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
	return lat, lon, heading
}
