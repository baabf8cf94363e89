package geofence

import (
	"fmt"
	"math"
	"sync"

	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/spatial"
)

// compiledZone caches per-zone data the evaluator needs on every sample.
type compiledZone struct {
	zone  models.Zone
	order int
	bbox  spatial.BBox
}

// ZoneStore holds the zone catalog for a monitoring session. Loads replace
// the whole collection; readers always see either the old or the new one.
type ZoneStore struct {
	mu    sync.RWMutex
	zones []compiledZone
	index map[string]int
}

// NewZoneStore creates an empty store.
func NewZoneStore() *ZoneStore {
	return &ZoneStore{index: make(map[string]int)}
}

// Load validates zones and replaces the held collection. If any zone is
// malformed nothing is replaced and an *InvalidZoneError is returned.
func (s *ZoneStore) Load(zones []models.Zone) error {
	compiled := make([]compiledZone, 0, len(zones))
	index := make(map[string]int, len(zones))

	for i, z := range zones {
		if err := validateZone(i, z); err != nil {
			return err
		}
		if _, dup := index[z.ID]; dup {
			return &InvalidZoneError{ZoneID: z.ID, Index: i, Reason: "duplicate id"}
		}

		cz := compiledZone{zone: cloneZone(z), order: i}
		if z.Geometry.Type == models.GeometryPolygon {
			cz.bbox = spatial.BoundingBox(z.Geometry.Vertices)
		}
		index[z.ID] = i
		compiled = append(compiled, cz)
	}

	s.mu.Lock()
	s.zones = compiled
	s.index = index
	s.mu.Unlock()
	return nil
}

// All returns every zone regardless of activity window, in load order.
func (s *ZoneStore) All() []models.Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Zone, 0, len(s.zones))
	for _, cz := range s.zones {
		out = append(out, cloneZone(cz.zone))
	}
	return out
}

// ActiveAt returns the zones whose window includes tod. Zones without a
// window are always returned.
func (s *ZoneStore) ActiveAt(tod models.TimeOfDay) []models.Zone {
	active := s.activeAt(tod)
	out := make([]models.Zone, 0, len(active))
	for _, cz := range active {
		out = append(out, cloneZone(cz.zone))
	}
	return out
}

// Get looks up a zone by id.
func (s *ZoneStore) Get(id string) (models.Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return models.Zone{}, false
	}
	return cloneZone(s.zones[i].zone), true
}

// Len returns the number of loaded zones.
func (s *ZoneStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.zones)
}

func (s *ZoneStore) activeAt(tod models.TimeOfDay) []compiledZone {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]compiledZone, 0, len(s.zones))
	for _, cz := range s.zones {
		if cz.zone.ActiveAt(tod) {
			out = append(out, cz)
		}
	}
	return out
}

// lookup returns the compiled zone and its catalog position.
func (s *ZoneStore) lookup(id string) (compiledZone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return compiledZone{}, false
	}
	return s.zones[i], true
}

func validateZone(i int, z models.Zone) error {
	invalid := func(format string, args ...any) error {
		return &InvalidZoneError{ZoneID: z.ID, Index: i, Reason: fmt.Sprintf(format, args...)}
	}

	if z.ID == "" {
		return invalid("missing id")
	}
	if !z.Kind.Valid() {
		return invalid("unknown kind %q", z.Kind)
	}
	if z.SafetyLevel < 0 || z.SafetyLevel > 10 {
		return invalid("safety level %d outside 1-10", z.SafetyLevel)
	}
	if w := z.ActiveWindow; w != nil && (!w.Start.Valid() || !w.End.Valid()) {
		return invalid("active window out of range")
	}

	g := z.Geometry
	switch g.Type {
	case models.GeometryCircle:
		if !g.Center.Valid() {
			return invalid("circle center (%v, %v) out of range", g.Center.Lat, g.Center.Lon)
		}
		if math.IsNaN(g.RadiusMeters) || math.IsInf(g.RadiusMeters, 0) || g.RadiusMeters <= 0 {
			return invalid("radius must be positive, got %v", g.RadiusMeters)
		}
	case models.GeometryPolygon:
		if len(g.Vertices) < 3 {
			return invalid("polygon needs at least 3 vertices, got %d", len(g.Vertices))
		}
		for vi, v := range g.Vertices {
			if !v.Valid() {
				return invalid("vertex %d (%v, %v) out of range", vi, v.Lat, v.Lon)
			}
		}
	default:
		return invalid("unknown geometry type %q", g.Type)
	}
	return nil
}

func cloneZone(z models.Zone) models.Zone {
	if z.Geometry.Vertices != nil {
		z.Geometry.Vertices = append([]spatial.Point(nil), z.Geometry.Vertices...)
	}
	if z.ActiveWindow != nil {
		w := *z.ActiveWindow
		z.ActiveWindow = &w
	}
	return z
}
