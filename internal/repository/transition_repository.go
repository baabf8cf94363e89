package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jengzang/geofence-backend-go/internal/models"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// TransitionRepository handles the zone transition log
type TransitionRepository struct {
	db *sql.DB
}

// NewTransitionRepository creates a new transition repository
func NewTransitionRepository(db *sql.DB) *TransitionRepository {
	return &TransitionRepository{db: db}
}

// Insert appends a transition event to the log
func (r *TransitionRepository) Insert(ctx context.Context, ev models.TransitionEvent) error {
	query := `INSERT INTO zone_transitions
		(id, session_id, zone_id, zone_name, zone_kind, action, latitude, longitude, accuracy_meters, timestamp_millis)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var accuracy sql.NullFloat64
	if ev.Position.AccuracyMeters != nil {
		accuracy = sql.NullFloat64{Float64: *ev.Position.AccuracyMeters, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		ev.ID, ev.SessionID, ev.Zone.ID, ev.Zone.Name, string(ev.Zone.Kind), string(ev.Action),
		ev.Position.Latitude, ev.Position.Longitude, accuracy, ev.TimestampMillis,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transition %s: %w", ev.ID, err)
	}
	return nil
}

// List retrieves transitions with filtering and pagination, newest first
func (r *TransitionRepository) List(ctx context.Context, filter models.TransitionFilter) ([]models.TransitionRecord, int64, error) {
	query := `SELECT id, session_id, zone_id, zone_name, zone_kind, action,
		latitude, longitude, accuracy_meters, timestamp_millis, created_at
		FROM zone_transitions`

	var conditions []string
	var args []interface{}

	if filter.ZoneID != "" {
		conditions = append(conditions, "zone_id = ?")
		args = append(args, filter.ZoneID)
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.StartTime > 0 {
		conditions = append(conditions, "timestamp_millis >= ?")
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		conditions = append(conditions, "timestamp_millis <= ?")
		args = append(args, filter.EndTime)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM zone_transitions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transitions: %w", err)
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	query += where + " ORDER BY timestamp_millis DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	records := []models.TransitionRecord{}
	for rows.Next() {
		var (
			rec       models.TransitionRecord
			accuracy  sql.NullFloat64
			createdAt sql.NullString
		)
		err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.ZoneID, &rec.ZoneName, &rec.ZoneKind, &rec.Action,
			&rec.Latitude, &rec.Longitude, &accuracy, &rec.TimestampMillis, &createdAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan transition: %w", err)
		}
		if accuracy.Valid {
			v := accuracy.Float64
			rec.AccuracyMeters = &v
		}
		rec.CreatedAt = createdAt.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate transitions: %w", err)
	}

	return records, total, nil
}

// normalizePage clamps pagination parameters to sane bounds
func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
