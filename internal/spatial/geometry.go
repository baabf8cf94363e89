package spatial

import (
	"math"
)

// boundaryEpsilon is the collinearity tolerance (square degrees) used when
// deciding whether a point sits on a polygon edge.
const boundaryEpsilon = 1e-12

// Point represents a 2D point with latitude and longitude
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lng" yaml:"lng"`
}

// Valid reports whether the point is a usable WGS84 coordinate.
func (p Point) Valid() bool {
	return ValidCoordinate(p.Lat, p.Lon)
}

// BBox is an axis-aligned box on the lat/lng plane.
type BBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// Contains reports whether p lies inside or on the edge of the box.
func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// BoundingBox calculates the bounding box of a set of points
func BoundingBox(points []Point) BBox {
	if len(points) == 0 {
		return BBox{}
	}

	box := BBox{
		MinLat: points[0].Lat, MaxLat: points[0].Lat,
		MinLon: points[0].Lon, MaxLon: points[0].Lon,
	}

	for _, p := range points[1:] {
		box.MinLat = math.Min(box.MinLat, p.Lat)
		box.MaxLat = math.Max(box.MaxLat, p.Lat)
		box.MinLon = math.Min(box.MinLon, p.Lon)
		box.MaxLon = math.Max(box.MaxLon, p.Lon)
	}

	return box
}

// PointInPolygon checks if a point is inside a polygon using ray casting
// (even-odd rule) with latitude/longitude treated as a flat plane.
// Points lying on an edge or a vertex count as inside.
func PointInPolygon(point Point, polygon []Point) bool {
	if len(polygon) < 3 {
		return false
	}

	if OnPolygonBoundary(point, polygon) {
		return true
	}

	inside := false
	j := len(polygon) - 1

	for i := 0; i < len(polygon); i++ {
		if ((polygon[i].Lat > point.Lat) != (polygon[j].Lat > point.Lat)) &&
			(point.Lon < (polygon[j].Lon-polygon[i].Lon)*(point.Lat-polygon[i].Lat)/(polygon[j].Lat-polygon[i].Lat)+polygon[i].Lon) {
			inside = !inside
		}
		j = i
	}

	return inside
}

// OnPolygonBoundary reports whether point lies on any edge of the closed polygon.
func OnPolygonBoundary(point Point, polygon []Point) bool {
	j := len(polygon) - 1
	for i := 0; i < len(polygon); i++ {
		if onSegment(point, polygon[j], polygon[i]) {
			return true
		}
		j = i
	}
	return false
}

func onSegment(p, a, b Point) bool {
	cross := (b.Lon-a.Lon)*(p.Lat-a.Lat) - (b.Lat-a.Lat)*(p.Lon-a.Lon)
	if math.Abs(cross) > boundaryEpsilon {
		return false
	}
	return p.Lat >= math.Min(a.Lat, b.Lat) && p.Lat <= math.Max(a.Lat, b.Lat) &&
		p.Lon >= math.Min(a.Lon, b.Lon) && p.Lon <= math.Max(a.Lon, b.Lon)
}
