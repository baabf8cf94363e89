// Package catalog reads zone definitions from YAML or JSON files.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/spatial"
)

// Format is a catalog file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported catalog extension %q", filepath.Ext(path))
	}
}

type document struct {
	Zones []zoneEntry `yaml:"zones" json:"zones"`
}

// zoneEntry is the on-disk shape of a zone: exactly one of Circle or Polygon,
// and an optional daily window written as "HH:MM" strings.
type zoneEntry struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Kind        string          `yaml:"kind" json:"kind"`
	SafetyLevel int             `yaml:"safetyLevel" json:"safetyLevel"`
	Description string          `yaml:"description" json:"description"`
	Circle      *circleEntry    `yaml:"circle" json:"circle"`
	Polygon     []spatial.Point `yaml:"polygon" json:"polygon"`
	Active      *windowEntry    `yaml:"activeWindow" json:"activeWindow"`
}

type circleEntry struct {
	Center       spatial.Point `yaml:"center" json:"center"`
	RadiusMeters float64       `yaml:"radiusMeters" json:"radiusMeters"`
}

type windowEntry struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// LoadFile reads a catalog file; the format follows the extension.
func LoadFile(path string) ([]models.Zone, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	zones, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return zones, nil
}

// Parse decodes a catalog document. Unknown fields are rejected. Geometry
// values are not range checked here; that happens when the zones are loaded
// into a store.
func Parse(data []byte, format Format) ([]models.Zone, error) {
	var doc document
	switch format {
	case FormatYAML:
		if err := yaml.UnmarshalWithOptions(data, &doc, yaml.DisallowUnknownField()); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", format)
	}

	zones := make([]models.Zone, 0, len(doc.Zones))
	for i, entry := range doc.Zones {
		z, err := entry.zone()
		if err != nil {
			if entry.ID != "" {
				return nil, fmt.Errorf("zone %q: %w", entry.ID, err)
			}
			return nil, fmt.Errorf("zone at index %d: %w", i, err)
		}
		zones = append(zones, z)
	}
	return zones, nil
}

func (e zoneEntry) zone() (models.Zone, error) {
	kind, err := models.ParseZoneKind(e.Kind)
	if err != nil {
		return models.Zone{}, err
	}

	z := models.Zone{
		ID:          e.ID,
		Name:        e.Name,
		Kind:        kind,
		SafetyLevel: e.SafetyLevel,
		Description: e.Description,
	}

	switch {
	case e.Circle != nil && len(e.Polygon) > 0:
		return models.Zone{}, fmt.Errorf("both circle and polygon given")
	case e.Circle != nil:
		z.Geometry = models.Circle(e.Circle.Center, e.Circle.RadiusMeters)
	case len(e.Polygon) > 0:
		z.Geometry = models.Polygon(e.Polygon...)
	default:
		return models.Zone{}, fmt.Errorf("missing geometry")
	}

	if e.Active != nil {
		start, err := models.ParseTimeOfDay(e.Active.Start)
		if err != nil {
			return models.Zone{}, fmt.Errorf("activeWindow start: %w", err)
		}
		end, err := models.ParseTimeOfDay(e.Active.End)
		if err != nil {
			return models.Zone{}, fmt.Errorf("activeWindow end: %w", err)
		}
		z.ActiveWindow = &models.TimeWindow{Start: start, End: end}
	}
	return z, nil
}
