package geofence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/jengzang/geofence-backend-go/internal/logging"
	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/observability"
)

// State is the lifecycle state of a Monitor.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateMonitoring
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateMonitoring:
		return "monitoring"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RetryPolicy bounds how hard the monitor tries to obtain a position.
type RetryPolicy struct {
	MaxAttempts     uint          // per acquisition, including the first try
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // cap on backoff delay
	Timeout         time.Duration // per request
	CachedMaxAge    time.Duration // age of a cached fix accepted by fallback requests
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Timeout:         10 * time.Second,
		CachedMaxAge:    time.Minute,
	}
}

// options returns the request options for the given zero-based attempt. The
// first attempt asks for a fresh high-accuracy fix; retries fall back to a
// low-accuracy request that also accepts a cached fix.
func (p RetryPolicy) options(attempt int) AcquireOptions {
	if attempt == 0 {
		return AcquireOptions{HighAccuracy: true, Timeout: p.Timeout}
	}
	return AcquireOptions{Timeout: p.Timeout, MaximumAge: p.CachedMaxAge}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// MonitorStatus is a point-in-time view of a Monitor.
type MonitorStatus struct {
	State            State      `json:"state"`
	SessionID        string     `json:"sessionId,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	ActiveZoneIDs    []string   `json:"activeZoneIds"`
	SamplesProcessed int64      `json:"samplesProcessed"`
}

// session is one Start..Stop cycle. gen identifies it; any result carrying a
// stale gen is discarded.
type session struct {
	gen uint64
	id  string
	ctx context.Context
	log logging.Logger
}

// Monitor feeds a stream of position samples into an Evaluator and fans the
// results out to listeners.
//
// Samples are processed one at a time by the session goroutine: the
// transition events of a sample are delivered to alert listeners, then the
// sample itself to location listeners, before the next sample is read.
type Monitor struct {
	source    PositionSource
	evaluator *Evaluator
	retry     RetryPolicy
	log       logging.Logger
	metrics   *observability.GeofenceCollector

	mu        sync.Mutex
	state     State
	gen       uint64
	sessionID string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	active    ActiveSet
	samples   int64

	alerts    listeners[models.TransitionEvent]
	locations listeners[models.PositionSample]
	errs      listeners[error]
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) MonitorOption {
	return func(m *Monitor) { m.retry = p }
}

// WithLogger sets the monitor logger.
func WithLogger(l logging.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *observability.GeofenceCollector) MonitorOption {
	return func(m *Monitor) { m.metrics = c }
}

// NewMonitor creates an idle monitor.
func NewMonitor(source PositionSource, evaluator *Evaluator, opts ...MonitorOption) *Monitor {
	done := make(chan struct{})
	close(done)

	m := &Monitor{
		source:    source,
		evaluator: evaluator,
		retry:     DefaultRetryPolicy(),
		log:       logging.Noop(),
		done:      done,
		active:    NewActiveSet(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retry.MaxAttempts == 0 {
		m.retry.MaxAttempts = 1
	}
	m.metrics.SetState(int(StateIdle))
	return m
}

// OnAlert registers a transition listener and returns its unsubscribe func.
func (m *Monitor) OnAlert(fn func(models.TransitionEvent)) func() {
	return m.alerts.add(fn)
}

// OnLocationUpdate registers a raw sample listener and returns its unsubscribe func.
func (m *Monitor) OnLocationUpdate(fn func(models.PositionSample)) func() {
	return m.locations.add(fn)
}

// OnError registers an acquisition error listener. Listeners receive
// *AcquisitionError values.
func (m *Monitor) OnError(fn func(error)) func() {
	return m.errs.add(fn)
}

// Start begins a monitoring session: a seed request followed by a continuous
// subscription. Acquisition failures are reported to error listeners, never
// returned here; Start fails only with ErrMonitorRunning.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrMonitorRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.gen++
	s := &session{gen: m.gen, id: uuid.NewString(), ctx: runCtx}
	s.log = m.log.With(logging.String("session_id", s.id))

	m.sessionID = s.id
	m.startedAt = time.Now()
	m.cancel = cancel
	m.active = NewActiveSet()
	m.samples = 0
	done := make(chan struct{})
	m.done = done
	m.setStateLocked(StateRequesting)
	m.mu.Unlock()

	m.metrics.SetActiveZones(0)
	s.log.Info(runCtx, "monitoring session started")
	go m.run(s, cancel, done)
	return nil
}

// Stop cancels the current session. Samples and request results that arrive
// afterwards are discarded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	sessionID := m.sessionID
	m.gen++
	m.cancel = nil
	m.setStateLocked(StateStopped)
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.log.Info(context.Background(), "monitoring session stopped", logging.String("session_id", sessionID))
}

// Done returns a channel closed when the most recently started session
// goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current state and containment of the latest session.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := MonitorStatus{
		State:            m.state,
		SessionID:        m.sessionID,
		ActiveZoneIDs:    m.active.IDs(),
		SamplesProcessed: m.samples,
	}
	if !m.startedAt.IsZero() {
		t := m.startedAt
		st.StartedAt = &t
	}
	return st
}

func (m *Monitor) run(s *session, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer m.release(s)

	first, err := m.acquire(s)
	if err != nil {
		m.fail(s, err)
		return
	}
	if !m.enterMonitoring(s) {
		return
	}
	m.process(s, first)
	m.watch(s)
}

// acquire performs the seed request with bounded exponential backoff.
// Permission denial is not retried.
func (m *Monitor) acquire(s *session) (models.PositionSample, error) {
	attempt := 0
	op := func() (models.PositionSample, error) {
		opts := m.retry.options(attempt)
		attempt++

		sample, err := m.source.Current(s.ctx, opts)
		if err == nil {
			return sample, nil
		}
		if s.ctx.Err() != nil {
			return sample, backoff.Permanent(s.ctx.Err())
		}

		code := CodeOf(err)
		m.metrics.ObserveAcquisitionError(string(code))
		if code == CodePermissionDenied {
			return sample, backoff.Permanent(err)
		}
		s.log.Warn(s.ctx, "position request failed",
			logging.Int("attempt", attempt),
			logging.String("code", string(code)),
			logging.Err(err))
		if attempt < int(m.retry.MaxAttempts) {
			m.report(s, &AcquisitionError{Code: code, Err: err})
		}
		return sample, err
	}

	return backoff.Retry(s.ctx, op,
		backoff.WithBackOff(m.retry.backOff()),
		backoff.WithMaxTries(m.retry.MaxAttempts))
}

func (m *Monitor) watch(s *session) {
	opts := AcquireOptions{HighAccuracy: true, Timeout: m.retry.Timeout}
	pause := m.retry.backOff()
	idle := uint(0)

	for {
		readings, err := m.subscribe(s, opts)
		if err != nil {
			m.fail(s, err)
			return
		}

		ended, delivered := m.consume(s, readings)
		if ended {
			return
		}

		if delivered {
			idle = 0
			pause.Reset()
		} else {
			idle++
		}
		if idle >= m.retry.MaxAttempts {
			m.fail(s, fmt.Errorf("subscription ended repeatedly: %w", ErrPositionUnavailable))
			return
		}

		s.log.Warn(s.ctx, "position subscription ended, resubscribing")
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(pause.NextBackOff()):
		}
	}
}

func (m *Monitor) subscribe(s *session, opts AcquireOptions) (<-chan Reading, error) {
	op := func() (<-chan Reading, error) {
		ch, err := m.source.Watch(s.ctx, opts)
		if err == nil {
			return ch, nil
		}
		if s.ctx.Err() != nil {
			return nil, backoff.Permanent(s.ctx.Err())
		}
		m.metrics.ObserveAcquisitionError(string(CodeOf(err)))
		if errors.Is(err, ErrPermissionDenied) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return backoff.Retry(s.ctx, op,
		backoff.WithBackOff(m.retry.backOff()),
		backoff.WithMaxTries(m.retry.MaxAttempts))
}

// consume drains one subscription. ended is true when the session is over
// (stopped or permission denied); delivered reports whether any reading arrived.
func (m *Monitor) consume(s *session, readings <-chan Reading) (ended, delivered bool) {
	for {
		select {
		case <-s.ctx.Done():
			return true, delivered
		case r, ok := <-readings:
			if !ok {
				return s.ctx.Err() != nil, delivered
			}
			delivered = true

			if r.Err == nil {
				m.process(s, r.Sample)
				continue
			}

			code := CodeOf(r.Err)
			m.metrics.ObserveAcquisitionError(string(code))
			if code == CodePermissionDenied {
				m.fail(s, r.Err)
				return true, delivered
			}
			s.log.Warn(s.ctx, "position update failed", logging.String("code", string(code)), logging.Err(r.Err))
			m.report(s, &AcquisitionError{Code: code, Err: r.Err})
		}
	}
}

// process evaluates one sample and fans out the results. Evaluation happens
// under the lock so Stop cannot interleave with it.
func (m *Monitor) process(s *session, sample models.PositionSample) {
	m.mu.Lock()
	if m.gen != s.gen || m.state != StateMonitoring {
		m.mu.Unlock()
		m.metrics.ObserveSample(observability.SampleDiscarded)
		return
	}

	next, events, err := m.evaluator.Evaluate(sample, m.active)
	if err != nil {
		// Malformed samples are skipped; listeners see nothing.
		m.mu.Unlock()
		m.metrics.ObserveSample(observability.SampleInvalid)
		s.log.Debug(s.ctx, "skipping sample", logging.Err(err))
		return
	}
	m.active = next
	m.samples++
	activeCount := next.Len()
	for i := range events {
		events[i].SessionID = s.id
	}
	m.mu.Unlock()

	m.metrics.ObserveSample(observability.SampleEvaluated)
	m.metrics.SetActiveZones(activeCount)
	for _, ev := range events {
		m.metrics.ObserveTransition(string(ev.Action), string(ev.Zone.Kind))
		s.log.Info(s.ctx, "zone transition",
			logging.String("zone_id", ev.Zone.ID),
			logging.String("action", string(ev.Action)))
		m.alerts.emit(s.ctx, s.log, "alert", ev)
	}
	m.locations.emit(s.ctx, s.log, "location", sample)
}

func (m *Monitor) enterMonitoring(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != s.gen || m.state != StateRequesting {
		return false
	}
	m.setStateLocked(StateMonitoring)
	return true
}

// fail ends the session with a terminal error. Nothing is reported when the
// session was already stopped.
func (m *Monitor) fail(s *session, err error) {
	m.mu.Lock()
	if m.gen != s.gen || s.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.cancel = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	code := CodeOf(err)
	s.log.Error(context.Background(), "monitoring session ended", logging.String("code", string(code)), logging.Err(err))
	m.errs.emit(context.Background(), s.log, "error", &AcquisitionError{Code: code, Terminal: true, Err: err})
}

// release returns a still-current session to Idle once its goroutine exits,
// e.g. after the parent context was cancelled.
func (m *Monitor) release(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen == s.gen && m.state != StateIdle {
		m.cancel = nil
		m.setStateLocked(StateIdle)
	}
}

// report delivers a recoverable error if the session is still current.
func (m *Monitor) report(s *session, err *AcquisitionError) {
	m.mu.Lock()
	current := m.gen == s.gen
	m.mu.Unlock()
	if current {
		m.errs.emit(s.ctx, s.log, "error", err)
	}
}

func (m *Monitor) setStateLocked(st State) {
	m.state = st
	m.metrics.SetState(int(st))
}
