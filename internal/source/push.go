// Package source provides position sources for the geofence monitor.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jengzang/geofence-backend-go/internal/geofence"
	"github.com/jengzang/geofence-backend-go/internal/models"
)

const defaultWatchBuffer = 16

// PushSource is a geofence.PositionSource fed by clients: devices post their
// fixes (or their location API failures) and the monitor consumes them.
//
// A permission denial reported through Fail is sticky: every request fails
// with it until the next successful Publish.
type PushSource struct {
	mu       sync.Mutex
	latest   *models.PositionSample
	received time.Time
	denied   error
	next     *pending
	waiting  int
	watchers map[uint64]chan geofence.Reading
	nextID   uint64
	buffer   int
	now      func() time.Time
}

// pending is the next reading to be broadcast. reading is set before done is
// closed, so woken waiters all see the reading that woke them.
type pending struct {
	done    chan struct{}
	reading geofence.Reading
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

// Option customizes a PushSource.
type Option func(*PushSource)

// WithWatchBuffer sets the per-subscription channel capacity. Readings for a
// subscriber whose buffer is full are dropped.
func WithWatchBuffer(n int) Option {
	return func(p *PushSource) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithClock overrides time.Now, used for cached fix ages.
func WithClock(now func() time.Time) Option {
	return func(p *PushSource) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPushSource(opts ...Option) *PushSource {
	p := &PushSource{
		next:     newPending(),
		watchers: make(map[uint64]chan geofence.Reading),
		buffer:   defaultWatchBuffer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish records a new fix and delivers it to pending requests and
// subscribers.
func (p *PushSource) Publish(sample models.PositionSample) error {
	if !sample.Valid() {
		return &geofence.InvalidPositionError{Latitude: sample.Latitude, Longitude: sample.Longitude}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := sample
	p.latest = &s
	p.received = p.now()
	p.denied = nil
	p.broadcastLocked(geofence.Reading{Sample: sample})
	return nil
}

// Fail reports a location API failure. err should wrap one of the geofence
// acquisition sentinels; anything else is treated as position unavailable.
func (p *PushSource) Fail(err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, geofence.ErrPermissionDenied),
		errors.Is(err, geofence.ErrTimeout),
		errors.Is(err, geofence.ErrPositionUnavailable):
	default:
		err = fmt.Errorf("%w: %v", geofence.ErrPositionUnavailable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if errors.Is(err, geofence.ErrPermissionDenied) {
		p.denied = err
	}
	p.broadcastLocked(geofence.Reading{Err: err})
}

// Latest returns the most recent published fix.
func (p *PushSource) Latest() (models.PositionSample, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return models.PositionSample{}, time.Time{}, false
	}
	return *p.latest, p.received, true
}

// Subscribers returns the number of open Watch subscriptions.
func (p *PushSource) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watchers)
}

// Current returns a cached fix when opts allow one, and otherwise waits for
// the next Publish or Fail. It gives up with geofence.ErrTimeout after
// opts.Timeout.
func (p *PushSource) Current(ctx context.Context, opts geofence.AcquireOptions) (models.PositionSample, error) {
	p.mu.Lock()
	if p.denied != nil {
		err := p.denied
		p.mu.Unlock()
		return models.PositionSample{}, err
	}
	if p.latest != nil && !opts.HighAccuracy && opts.MaximumAge > 0 &&
		p.now().Sub(p.received) <= opts.MaximumAge {
		s := *p.latest
		p.mu.Unlock()
		return s, nil
	}
	wait := p.next
	p.waiting++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	var expired <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-ctx.Done():
		return models.PositionSample{}, ctx.Err()
	case <-expired:
		return models.PositionSample{}, fmt.Errorf("no fix within %s: %w", opts.Timeout, geofence.ErrTimeout)
	case <-wait.done:
		return wait.reading.Sample, wait.reading.Err
	}
}

// Watch subscribes to every subsequent Publish and Fail. The channel is
// closed when ctx is done.
func (p *PushSource) Watch(ctx context.Context, _ geofence.AcquireOptions) (<-chan geofence.Reading, error) {
	p.mu.Lock()
	if p.denied != nil {
		err := p.denied
		p.mu.Unlock()
		return nil, err
	}
	id := p.nextID
	p.nextID++
	ch := make(chan geofence.Reading, p.buffer)
	p.watchers[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.watchers, id)
		close(ch)
		p.mu.Unlock()
	}()
	return ch, nil
}

func (p *PushSource) broadcastLocked(r geofence.Reading) {
	woken := p.next
	woken.reading = r
	p.next = newPending()
	close(woken.done)

	for _, ch := range p.watchers {
		select {
		case ch <- r:
		default:
		}
	}
}
