package models

// Action is the direction of a zone crossing
type Action string

const (
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
)

// TransitionEvent is emitted each time a zone is added to or removed from
// the active set.
type TransitionEvent struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"sessionId,omitempty"`
	Zone            Zone           `json:"zone"`
	Action          Action         `json:"action"`
	Position        PositionSample `json:"position"`
	TimestampMillis int64          `json:"timestampMillis"`
}

// TransitionRecord is a persisted transition as stored in the activity log
type TransitionRecord struct {
	ID              string   `json:"id" db:"id"`
	SessionID       string   `json:"sessionId" db:"session_id"`
	ZoneID          string   `json:"zoneId" db:"zone_id"`
	ZoneName        string   `json:"zoneName" db:"zone_name"`
	ZoneKind        ZoneKind `json:"zoneKind" db:"zone_kind"`
	Action          Action   `json:"action" db:"action"`
	Latitude        float64  `json:"latitude" db:"latitude"`
	Longitude       float64  `json:"longitude" db:"longitude"`
	AccuracyMeters  *float64 `json:"accuracyMeters,omitempty" db:"accuracy_meters"`
	TimestampMillis int64    `json:"timestampMillis" db:"timestamp_millis"`
	CreatedAt       string   `json:"createdAt,omitempty" db:"created_at"`
}

// TransitionFilter represents filter parameters for querying the transition log
type TransitionFilter struct {
	ZoneID    string `form:"zoneId"`
	SessionID string `form:"sessionId"`
	Action    string `form:"action"`    // enter, exit
	StartTime int64  `form:"startTime"` // Unix milliseconds
	EndTime   int64  `form:"endTime"`   // Unix milliseconds
	Page      int    `form:"page"`
	PageSize  int    `form:"pageSize"`
}

// TransitionsResponse represents a paginated response of transitions
type TransitionsResponse struct {
	Data       []TransitionRecord `json:"data"`
	Total      int64              `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"pageSize"`
	TotalPages int                `json:"totalPages"`
}
