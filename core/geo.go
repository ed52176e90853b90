package core

import "math"

const earthRadiusKM = 6371.0

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bounds is a latitude/longitude bounding box.
type Bounds struct {
	South float64 `json:"south"`
	North float64 `json:"north"`
	West  float64 `json:"west"`
	East  float64 `json:"east"`
}

// BengaluruBounds covers the metropolitan area served by the default catalog.
var BengaluruBounds = Bounds{South: 12.5, North: 13.5, West: 77.0, East: 78.0}

// Contains reports whether p lies inside the box (inclusive).
func (b Bounds) Contains(p LatLng) bool {
	return p.Lat >= b.South && p.Lat <= b.North && p.Lng >= b.West && p.Lng <= b.East
}

// DistanceKM returns the great-circle distance between two points.
func DistanceKM(a, b LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Area is a circular region used to scope perception queries.
// A zero RadiusKM means "everything".
type Area struct {
	Center   LatLng  `json:"center"`
	RadiusKM float64 `json:"radius_km"`
}

// Contains reports whether p falls inside the area.
func (a Area) Contains(p LatLng) bool {
	if a.RadiusKM <= 0 {
		return true
	}
	return DistanceKM(a.Center, p) <= a.RadiusKM
}
