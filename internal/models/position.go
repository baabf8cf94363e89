package models

import (
	"time"

	"github.com/jengzang/geofence-backend-go/internal/spatial"
)

// PositionSample is a single reading of the observer's location
type PositionSample struct {
	Latitude        float64  `json:"latitude"`
	Longitude       float64  `json:"longitude"`
	TimestampMillis int64    `json:"timestampMillis"`          // Unix milliseconds, capture time
	AccuracyMeters  *float64 `json:"accuracyMeters,omitempty"` // reported sensor uncertainty, advisory
}

// Point returns the sample as a spatial point.
func (p PositionSample) Point() spatial.Point {
	return spatial.Point{Lat: p.Latitude, Lon: p.Longitude}
}

// Valid reports whether the coordinates are finite and in range.
func (p PositionSample) Valid() bool {
	return spatial.ValidCoordinate(p.Latitude, p.Longitude)
}

// Time returns the capture time, or the zero time when no timestamp was reported.
func (p PositionSample) Time() time.Time {
	if p.TimestampMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.TimestampMillis)
}
