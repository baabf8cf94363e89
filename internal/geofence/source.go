package geofence

import (
	"context"
	"time"

	"github.com/jengzang/geofence-backend-go/internal/models"
)

// AcquireOptions mirror the knobs a device location API exposes.
type AcquireOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration // accept a cached fix at most this old; 0 requires a fresh one
}

// Reading is one notification from a watch subscription: a sample or an error.
type Reading struct {
	Sample models.PositionSample
	Err    error
}

// PositionSource provides observer positions. Errors wrap ErrPermissionDenied,
// ErrPositionUnavailable or ErrTimeout.
type PositionSource interface {
	// Current returns one position reading.
	Current(ctx context.Context, opts AcquireOptions) (models.PositionSample, error)
	// Watch subscribes to continuous readings. The channel is closed when ctx
	// is done or the source ends the subscription.
	Watch(ctx context.Context, opts AcquireOptions) (<-chan Reading, error)
}
