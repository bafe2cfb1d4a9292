package geo

import (
	"math"

	"github.com/example/homeward-matching/internal/models"
)

const earthRadiusKm = 6371.0

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// Bearing returns the initial great-circle bearing from one point to
// another, in degrees normalized to [0, 360).
func Bearing(from, to models.Coord) float64 {
	lat1 := toRad(from.Lat)
	lat2 := toRad(to.Lat)
	dLon := toRad(to.Lon - from.Lon)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := toDeg(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// DistanceKm returns the haversine great-circle distance in kilometers.
func DistanceKm(from, to models.Coord) float64 {
	dLat := toRad(to.Lat - from.Lat)
	dLon := toRad(to.Lon - from.Lon)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(from.Lat))*math.Cos(toRad(to.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// AngleDifference returns the smallest absolute angular difference between
// two bearings, in [0, 180].
func AngleDifference(a, b float64) float64 {
	d := math.Abs(a - b)
	d = math.Mod(d, 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// CompatibilityParams bound how far off-course a candidate may take the driver.
type CompatibilityParams struct {
	MaxAngleDeviation float64 // degrees
	MaxDetourPercent  float64
}

// Compatibility is the geometric verdict for one (session, ride) pair.
// These functions never error; a degenerate pair is simply incompatible.
type Compatibility struct {
	Compatible        bool
	AvgAngleDeviation float64
	DetourPercent     float64
	DirectionScore    float64 // 0..100, higher is better aligned
	DirectKm          float64
	DetourKm          float64
	PickupKm          float64
}

// DirectionCompatibility evaluates how well serving a ride (pickup→dropoff)
// fits a driver's course from driverLoc to driverDest.
//
// The angular deviation from the driver's home bearing is averaged over the
// three legs the driver would actually drive: to the pickup, along the ride,
// and from the dropoff home. The detour percent compares that three-leg
// distance with the direct route home.
func DirectionCompatibility(driverLoc, driverDest, pickup, dropoff models.Coord, p CompatibilityParams) Compatibility {
	out := Compatibility{
		DirectKm: DistanceKm(driverLoc, driverDest),
		PickupKm: DistanceKm(driverLoc, pickup),
	}
	out.DetourKm = out.PickupKm + DistanceKm(pickup, dropoff) + DistanceKm(dropoff, driverDest)

	// A driver already at (or on top of) the destination has no route to
	// share; direct distance of zero makes detour percent undefined.
	if out.DirectKm < 1e-3 {
		return out
	}

	home := Bearing(driverLoc, driverDest)
	devPickup := AngleDifference(home, Bearing(driverLoc, pickup))
	devRide := AngleDifference(home, Bearing(pickup, dropoff))
	devHome := AngleDifference(home, Bearing(dropoff, driverDest))
	out.AvgAngleDeviation = (devPickup + devRide + devHome) / 3

	out.DetourPercent = (out.DetourKm - out.DirectKm) / out.DirectKm * 100

	if p.MaxAngleDeviation <= 0 || p.MaxDetourPercent <= 0 {
		return out
	}
	out.Compatible = out.AvgAngleDeviation <= p.MaxAngleDeviation &&
		out.DetourPercent <= p.MaxDetourPercent
	if !out.Compatible {
		return out
	}

	score := 100 -
		(out.AvgAngleDeviation/p.MaxAngleDeviation)*50 -
		(out.DetourPercent/p.MaxDetourPercent)*50
	out.DirectionScore = clamp(score, 0, 100)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
