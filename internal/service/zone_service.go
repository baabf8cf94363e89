package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/geofence-backend-go/internal/catalog"
	"github.com/jengzang/geofence-backend-go/internal/geofence"
	"github.com/jengzang/geofence-backend-go/internal/logging"
	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/repository"
)

var (
	// ErrCatalogLocked is returned when the catalog is replaced during a
	// monitoring session.
	ErrCatalogLocked = errors.New("zone catalog cannot change while monitoring")
	// ErrZoneNotFound is returned for unknown zone ids.
	ErrZoneNotFound = errors.New("zone not found")
)

// SessionGuard serialises catalog changes with monitoring session starts.
type SessionGuard interface {
	// WhileIdle runs fn only when no session is running, and holds off new
	// sessions until fn returns. It returns ErrCatalogLocked otherwise.
	WhileIdle(fn func() error) error
}

type noSessions struct{}

func (noSessions) WhileIdle(fn func() error) error { return fn() }

// ZoneService manages the zone catalog: persisted in the database and served
// from the in-memory store the evaluator reads.
type ZoneService struct {
	repo     *repository.ZoneRepository
	store    *geofence.ZoneStore
	location *time.Location
	guard    SessionGuard
	now      func() time.Time
	log      logging.Logger
}

// NewZoneService creates a zone service. The catalog is read-only while
// guard reports a running session; a nil guard never locks.
func NewZoneService(repo *repository.ZoneRepository, store *geofence.ZoneStore, location *time.Location, guard SessionGuard, log logging.Logger) *ZoneService {
	if location == nil {
		location = time.UTC
	}
	if guard == nil {
		guard = noSessions{}
	}
	return &ZoneService{
		repo:     repo,
		store:    store,
		location: location,
		guard:    guard,
		now:      time.Now,
		log:      logging.Component(log, "zones"),
	}
}

// Bootstrap fills the store from the database. An empty database is seeded
// from seedPath when one is given.
func (s *ZoneService) Bootstrap(ctx context.Context, seedPath string) error {
	zones, err := s.repo.ListZones(ctx)
	if err != nil {
		return err
	}

	if len(zones) == 0 && seedPath != "" {
		seed, err := catalog.LoadFile(seedPath)
		if err != nil {
			return err
		}
		if err := s.replace(ctx, seed); err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		s.log.Info(ctx, "zone catalog seeded", logging.String("path", seedPath), logging.Int("zones", len(seed)))
		return nil
	}

	if err := s.store.Load(zones); err != nil {
		return fmt.Errorf("stored catalog: %w", err)
	}
	s.log.Info(ctx, "zone catalog loaded", logging.Int("zones", len(zones)))
	return nil
}

// List returns every zone in catalog order.
func (s *ZoneService) List() []models.Zone {
	return s.store.All()
}

// Active returns the zones active at tod, or at the current local time when
// tod is nil.
func (s *ZoneService) Active(tod *models.TimeOfDay) []models.Zone {
	at := models.TimeOfDayOf(s.now().In(s.location))
	if tod != nil {
		at = *tod
	}
	return s.store.ActiveAt(at)
}

// Get returns one zone.
func (s *ZoneService) Get(id string) (models.Zone, error) {
	z, ok := s.store.Get(id)
	if !ok {
		return models.Zone{}, ErrZoneNotFound
	}
	return z, nil
}

// Replace validates and installs a new catalog. Validation failures are
// *geofence.InvalidZoneError.
func (s *ZoneService) Replace(ctx context.Context, zones []models.Zone) error {
	err := s.guard.WhileIdle(func() error {
		return s.replace(ctx, zones)
	})
	if err != nil {
		return err
	}
	s.log.Info(ctx, "zone catalog replaced", logging.Int("zones", len(zones)))
	return nil
}

func (s *ZoneService) replace(ctx context.Context, zones []models.Zone) error {
	// Validate before touching the database.
	if err := geofence.NewZoneStore().Load(zones); err != nil {
		return err
	}
	if err := s.repo.ReplaceZones(ctx, zones); err != nil {
		return err
	}
	return s.store.Load(zones)
}
