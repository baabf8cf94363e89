package models

import (
	"fmt"
	"strings"

	"github.com/jengzang/geofence-backend-go/internal/spatial"
)

// ZoneKind is the safety classification of a zone
type ZoneKind string

const (
	ZoneSafe       ZoneKind = "safe"
	ZoneCaution    ZoneKind = "caution"
	ZoneDanger     ZoneKind = "danger"
	ZoneRestricted ZoneKind = "restricted"
	ZoneEmergency  ZoneKind = "emergency"
)

// Valid reports whether k is one of the known classifications.
func (k ZoneKind) Valid() bool {
	switch k {
	case ZoneSafe, ZoneCaution, ZoneDanger, ZoneRestricted, ZoneEmergency:
		return true
	}
	return false
}

// ParseZoneKind parses a case-insensitive zone kind.
func ParseZoneKind(s string) (ZoneKind, error) {
	k := ZoneKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown zone kind %q", s)
	}
	return k, nil
}

// GeometryType discriminates Geometry
type GeometryType string

const (
	GeometryCircle  GeometryType = "circle"
	GeometryPolygon GeometryType = "polygon"
)

// Geometry is either a circle (Center + RadiusMeters) or a polygon (Vertices).
type Geometry struct {
	Type         GeometryType    `json:"type"`
	Center       spatial.Point   `json:"center,omitempty"`
	RadiusMeters float64         `json:"radiusMeters,omitempty"`
	Vertices     []spatial.Point `json:"vertices,omitempty"`
}

// Circle builds a circular geometry.
func Circle(center spatial.Point, radiusMeters float64) Geometry {
	return Geometry{Type: GeometryCircle, Center: center, RadiusMeters: radiusMeters}
}

// Polygon builds a polygonal geometry from ordered vertices.
func Polygon(vertices ...spatial.Point) Geometry {
	return Geometry{Type: GeometryPolygon, Vertices: vertices}
}

// Zone represents a named geographic region with a safety classification
type Zone struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Kind         ZoneKind    `json:"kind"`
	Geometry     Geometry    `json:"geometry"`
	SafetyLevel  int         `json:"safetyLevel,omitempty"` // 1-10, 10 safest; advisory only
	Description  string      `json:"description,omitempty"`
	ActiveWindow *TimeWindow `json:"activeWindow,omitempty"`
}

// ActiveAt reports whether the zone is evaluated at the given time of day.
func (z Zone) ActiveAt(tod TimeOfDay) bool {
	if z.ActiveWindow == nil {
		return true
	}
	return z.ActiveWindow.Contains(tod)
}
