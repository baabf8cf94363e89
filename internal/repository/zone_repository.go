package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jengzang/geofence-backend-go/internal/database"
	"github.com/jengzang/geofence-backend-go/internal/models"
)

// ZoneRepository persists the zone catalog
type ZoneRepository struct {
	db *sql.DB
}

// NewZoneRepository creates a new zone repository
func NewZoneRepository(db *sql.DB) *ZoneRepository {
	return &ZoneRepository{db: db}
}

// ListZones returns the stored catalog in its original order
func (r *ZoneRepository) ListZones(ctx context.Context) ([]models.Zone, error) {
	query := `SELECT id, name, kind, geometry, safety_level, description, window_start, window_end
		FROM zones ORDER BY position`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []models.Zone
	for rows.Next() {
		var (
			z                      models.Zone
			geometry               string
			windowStart, windowEnd sql.NullString
		)
		if err := rows.Scan(&z.ID, &z.Name, &z.Kind, &geometry, &z.SafetyLevel, &z.Description, &windowStart, &windowEnd); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		if err := json.Unmarshal([]byte(geometry), &z.Geometry); err != nil {
			return nil, fmt.Errorf("zone %s: invalid geometry: %w", z.ID, err)
		}
		if windowStart.Valid && windowEnd.Valid {
			w, err := parseWindow(windowStart.String, windowEnd.String)
			if err != nil {
				return nil, fmt.Errorf("zone %s: %w", z.ID, err)
			}
			z.ActiveWindow = w
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate zones: %w", err)
	}

	return zones, nil
}

// CountZones returns the number of stored zones
func (r *ZoneRepository) CountZones(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM zones").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count zones: %w", err)
	}
	return n, nil
}

// ReplaceZones atomically replaces the stored catalog
func (r *ZoneRepository) ReplaceZones(ctx context.Context, zones []models.Zone) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM zones"); err != nil {
			return fmt.Errorf("failed to clear zones: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO zones
			(id, position, name, kind, geometry_type, geometry, safety_level, description, window_start, window_end)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare zone insert: %w", err)
		}
		defer stmt.Close()

		for i, z := range zones {
			geometry, err := json.Marshal(z.Geometry)
			if err != nil {
				return fmt.Errorf("zone %s: failed to encode geometry: %w", z.ID, err)
			}

			var windowStart, windowEnd sql.NullString
			if z.ActiveWindow != nil {
				windowStart = sql.NullString{String: z.ActiveWindow.Start.String(), Valid: true}
				windowEnd = sql.NullString{String: z.ActiveWindow.End.String(), Valid: true}
			}

			if _, err := stmt.ExecContext(ctx, z.ID, i, z.Name, string(z.Kind), string(z.Geometry.Type),
				string(geometry), z.SafetyLevel, z.Description, windowStart, windowEnd); err != nil {
				return fmt.Errorf("failed to insert zone %s: %w", z.ID, err)
			}
		}
		return nil
	})
}

func parseWindow(start, end string) (*models.TimeWindow, error) {
	s, err := models.ParseTimeOfDay(start)
	if err != nil {
		return nil, err
	}
	e, err := models.ParseTimeOfDay(end)
	if err != nil {
		return nil, err
	}
	return &models.TimeWindow{Start: s, End: e}, nil
}
