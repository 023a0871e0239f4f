// Package eta estimates the next stop of a bus and per-stop arrival times
// from its current position and the ordered stops of its route.
package eta

import (
	"math"

	"bustrack/internal/geo"
	"bustrack/internal/model"
)

const (
	// AverageSpeedKmh is the fixed cruising speed used for every estimate.
	AverageSpeedKmh = 30.0
	// PassedStopRadiusMeters: a bus this close to a stop is considered to have just left it.
	PassedStopRadiusMeters = 50.0
	// DetourFactor bounds how much longer than the direct segment the path
	// closest -> bus -> next may be while still counting as "between" them.
	DetourFactor = 1.5
)

// StopEta is the estimate for one stop of the route.
type StopEta struct {
	StopID           int     `json:"stopId"`
	StopName         string  `json:"stopName"`
	StopOrder        int     `json:"stopOrder"`
	DistanceMeters   float64 `json:"distanceMeters"`
	EstimatedSeconds int     `json:"estimatedSeconds"`
	IsNextStop       bool    `json:"isNextStop"`
}

// EstimateSeconds converts a distance to travel time at AverageSpeedKmh, rounded up.
func EstimateSeconds(distanceMeters float64) int {
	return int(math.Ceil(distanceMeters / 1000.0 / AverageSpeedKmh * 3600))
}

// NextStopIndex returns the index in stops of the first stop the bus has not
// yet reached. Returns 0 for an empty route.
func NextStopIndex(busLat, busLon float64, stops []model.RouteStop) int {
	if len(stops) == 0 {
		return 0
	}

	closest := 0
	minDist := math.MaxFloat64
	for i, s := range stops {
		d := geo.DistanceMeters(busLat, busLon, s.Latitude, s.Longitude)
		if d < minDist {
			minDist = d
			closest = i
		}
	}

	if closest == len(stops)-1 {
		return closest
	}
	if minDist < PassedStopRadiusMeters {
		return closest + 1
	}

	cur, next := stops[closest], stops[closest+1]
	toNext := geo.DistanceMeters(busLat, busLon, next.Latitude, next.Longitude)
	segment := geo.DistanceMeters(cur.Latitude, cur.Longitude, next.Latitude, next.Longitude)
	if minDist+toNext < segment*DetourFactor {
		return closest + 1
	}
	return closest
}

// BuildEtas returns one StopEta per stop in route order. Stops before the next
// stop are reported as passed (zero distance and time); the next stop gets the
// direct distance from the bus, and every later stop adds the successive
// stop-to-stop segments.
func BuildEtas(busLat, busLon float64, stops []model.RouteStop) []StopEta {
	etas := make([]StopEta, 0, len(stops))
	if len(stops) == 0 {
		return etas
	}

	nextIdx := NextStopIndex(busLat, busLon, stops)
	cumulative := 0.0
	for i, s := range stops {
		e := StopEta{
			StopID:     s.StopID,
			StopName:   s.Name,
			StopOrder:  s.Order,
			IsNextStop: i == nextIdx,
		}
		switch {
		case i < nextIdx:
			// passed
		case i == nextIdx:
			cumulative = geo.DistanceMeters(busLat, busLon, s.Latitude, s.Longitude)
			e.DistanceMeters = cumulative
			e.EstimatedSeconds = EstimateSeconds(cumulative)
		default:
			prev := stops[i-1]
			cumulative += geo.DistanceMeters(prev.Latitude, prev.Longitude, s.Latitude, s.Longitude)
			e.DistanceMeters = cumulative
			e.EstimatedSeconds = EstimateSeconds(cumulative)
		}
		etas = append(etas, e)
	}
	return etas
}

// NextStop returns the entry flagged IsNextStop, if any.
func NextStop(etas []StopEta) (StopEta, bool) {
	for _, e := range etas {
		if e.IsNextStop {
			return e, true
		}
	}
	return StopEta{}, false
}
