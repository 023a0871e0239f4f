package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by DistanceMeters.
const EarthRadiusMeters = 6371000.0

func ToRadians(deg float64) float64 { return deg * math.Pi / 180 }

// DistanceMeters returns the haversine great-circle distance between two
// coordinates given in decimal degrees.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := ToRadians(lat2 - lat1)
	dLon := ToRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(ToRadians(lat1))*math.Cos(ToRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// BearingDeg returns the initial compass bearing from the first point to the
// second, in [0, 360).
func BearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	y := math.Sin(ToRadians(lon2-lon1)) * math.Cos(ToRadians(lat2))
	x := math.Cos(ToRadians(lat1))*math.Sin(ToRadians(lat2)) - math.Sin(ToRadians(lat1))*math.Cos(ToRadians(lat2))*math.Cos(ToRadians(lon2-lon1))
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Interpolate returns the point at fraction frac (0..1) of the straight line
// between two coordinates. Good enough for the short hops between stops.
func Interpolate(lat1, lon1, lat2, lon2, frac float64) (lat, lon float64) {
	if frac <= 0 {
		return lat1, lon1
	}
	if frac >= 1 {
		return lat2, lon2
	}
	return lat1 + (lat2-lat1)*frac, lon1 + (lon2-lon1)*frac
}
