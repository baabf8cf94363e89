package geofence

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/spatial"
)

// ActiveSet is the set of zone ids the most recent valid sample was inside.
type ActiveSet map[string]struct{}

// NewActiveSet builds a set from ids.
func NewActiveSet(ids ...string) ActiveSet {
	s := make(ActiveSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s ActiveSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of zones in the set.
func (s ActiveSet) Len() int { return len(s) }

// IDs returns the members sorted by id.
func (s ActiveSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy.
func (s ActiveSet) Clone() ActiveSet {
	out := make(ActiveSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Evaluator computes per-zone containment for a sample and diffs it against
// the previous active set. It holds no per-session state and may be shared.
type Evaluator struct {
	store    *ZoneStore
	location *time.Location
	now      func() time.Time
}

// EvaluatorOption customizes an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLocation sets the time zone used to derive a sample's time of day.
func WithLocation(loc *time.Location) EvaluatorOption {
	return func(e *Evaluator) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithClock sets the clock used for samples that carry no timestamp.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator creates an evaluator over store. Time windows are evaluated
// in UTC unless WithLocation is given.
func NewEvaluator(store *ZoneStore, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{store: store, location: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Contains reports whether pos lies inside zone, ignoring activity windows.
// Circle boundaries (distance == radius) and polygon edges count as inside.
func Contains(zone models.Zone, pos models.PositionSample) bool {
	g := zone.Geometry
	switch g.Type {
	case models.GeometryCircle:
		d := spatial.HaversineDistance(g.Center.Lat, g.Center.Lon, pos.Latitude, pos.Longitude)
		return d <= g.RadiusMeters
	case models.GeometryPolygon:
		return spatial.PointInPolygon(pos.Point(), g.Vertices)
	}
	return false
}

// TimeOfDay returns the time of day used to filter zones for pos.
func (e *Evaluator) TimeOfDay(pos models.PositionSample) models.TimeOfDay {
	t := pos.Time()
	if t.IsZero() {
		t = e.now()
	}
	return models.TimeOfDayOf(t.In(e.location))
}

// Evaluate tests pos against every zone active at the sample's time of day
// and returns the new active set plus one event per change. Exits are listed
// before enters; each group follows catalog order.
//
// An invalid position yields prev unchanged, no events and an
// *InvalidPositionError.
func (e *Evaluator) Evaluate(pos models.PositionSample, prev ActiveSet) (ActiveSet, []models.TransitionEvent, error) {
	if !pos.Valid() {
		return prev, nil, &InvalidPositionError{Latitude: pos.Latitude, Longitude: pos.Longitude}
	}

	ts := pos.TimestampMillis
	if ts == 0 {
		ts = e.now().UnixMilli()
	}

	next := make(ActiveSet)
	var entered []models.Zone
	for _, cz := range e.store.activeAt(e.TimeOfDay(pos)) {
		if cz.zone.Geometry.Type == models.GeometryPolygon && !cz.bbox.Contains(pos.Point()) {
			continue
		}
		if !Contains(cz.zone, pos) {
			continue
		}
		next[cz.zone.ID] = struct{}{}
		if !prev.Has(cz.zone.ID) {
			entered = append(entered, cz.zone)
		}
	}

	events := make([]models.TransitionEvent, 0, len(entered))
	for _, z := range e.exited(prev, next) {
		events = append(events, newEvent(z, models.ActionExit, pos, ts))
	}
	for _, z := range entered {
		events = append(events, newEvent(z, models.ActionEnter, pos, ts))
	}
	return next, events, nil
}

// exited lists zones in prev but not next. Ids no longer in the catalog sort
// after known zones, by id, and are reported with only their id set.
func (e *Evaluator) exited(prev, next ActiveSet) []models.Zone {
	type exit struct {
		zone  models.Zone
		order int
	}
	var exits []exit
	for id := range prev {
		if next.Has(id) {
			continue
		}
		if cz, ok := e.store.lookup(id); ok {
			exits = append(exits, exit{zone: cz.zone, order: cz.order})
		} else {
			exits = append(exits, exit{zone: models.Zone{ID: id}, order: -1})
		}
	}

	sort.Slice(exits, func(i, j int) bool {
		a, b := exits[i], exits[j]
		if (a.order < 0) != (b.order < 0) {
			return a.order >= 0
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.zone.ID < b.zone.ID
	})

	out := make([]models.Zone, len(exits))
	for i, x := range exits {
		out[i] = x.zone
	}
	return out
}

func newEvent(z models.Zone, action models.Action, pos models.PositionSample, ts int64) models.TransitionEvent {
	return models.TransitionEvent{
		ID:              uuid.NewString(),
		Zone:            cloneZone(z),
		Action:          action,
		Position:        pos,
		TimestampMillis: ts,
	}
}
