package geofence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/geofence-backend-go/internal/models"
)

const waitTimeout = 2 * time.Second

var fastRetry = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	Timeout:         time.Second,
	CachedMaxAge:    30 * time.Second,
}

type result struct {
	sample models.PositionSample
	err    error
}

// fakeSource replays queued Current results (the last one repeats) and hands
// every Watch channel to the test through subs.
type fakeSource struct {
	mu       sync.Mutex
	results  []result
	calls    []AcquireOptions
	gate     chan struct{}
	watchErr error
	subs     chan chan Reading
}

func newFakeSource(results ...result) *fakeSource {
	return &fakeSource{results: results, subs: make(chan chan Reading, 8)}
}

func (f *fakeSource) Current(ctx context.Context, opts AcquireOptions) (models.PositionSample, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	r := result{err: ErrPositionUnavailable}
	if len(f.results) > 0 {
		r = f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return r.sample, r.err
}

func (f *fakeSource) Watch(ctx context.Context, opts AcquireOptions) (<-chan Reading, error) {
	f.mu.Lock()
	err := f.watchErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := make(chan Reading, 16)
	f.subs <- ch
	return ch, nil
}

func (f *fakeSource) currentCalls() []AcquireOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AcquireOptions(nil), f.calls...)
}

func (f *fakeSource) nextSub(t *testing.T) chan Reading {
	t.Helper()
	select {
	case ch := <-f.subs:
		return ch
	case <-time.After(waitTimeout):
		t.Fatal("no watch subscription")
		return nil
	}
}

// recorder captures everything a monitor emits, in delivery order.
type recorder struct {
	mu     sync.Mutex
	trace  []string
	alerts chan models.TransitionEvent
	locs   chan models.PositionSample
	errs   chan *AcquisitionError
}

func record(m *Monitor) *recorder {
	r := &recorder{
		alerts: make(chan models.TransitionEvent, 32),
		locs:   make(chan models.PositionSample, 32),
		errs:   make(chan *AcquisitionError, 32),
	}
	m.OnAlert(func(ev models.TransitionEvent) {
		r.append(fmt.Sprintf("%s:%s", ev.Action, ev.Zone.ID))
		r.alerts <- ev
	})
	m.OnLocationUpdate(func(s models.PositionSample) {
		r.append("location")
		r.locs <- s
	})
	m.OnError(func(err error) {
		var acq *AcquisitionError
		if errors.As(err, &acq) {
			r.append("error:" + string(acq.Code))
			r.errs <- acq
		}
	})
	return r
}

func (r *recorder) append(s string) {
	r.mu.Lock()
	r.trace = append(r.trace, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.trace...)
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func assertNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %T: %+v", v, v)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(waitTimeout):
		t.Fatal("monitor session did not exit")
	}
}

func newTestMonitor(t *testing.T, src PositionSource) *Monitor {
	t.Helper()
	return NewMonitor(src, newTestEvaluator(t, redFort()), WithRetryPolicy(fastRetry))
}

var (
	insideFort  = at(28.6562, 77.2410)
	outsideFort = at(28.9000, 77.9000)
)

func TestMonitor_RedFortSession(t *testing.T) {
	src := newFakeSource(result{sample: insideFort})
	m := newTestMonitor(t, src)
	rec := record(m)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	ev := waitFor(t, rec.alerts)
	assert.Equal(t, models.ActionEnter, ev.Action)
	assert.Equal(t, "red-fort", ev.Zone.ID)
	assert.Equal(t, m.Status().SessionID, ev.SessionID)
	waitFor(t, rec.locs)

	sub := src.nextSub(t)
	assert.Equal(t, StateMonitoring, m.State())

	sub <- Reading{Sample: outsideFort}
	ev = waitFor(t, rec.alerts)
	assert.Equal(t, models.ActionExit, ev.Action)
	waitFor(t, rec.locs)

	sub <- Reading{Sample: insideFort}
	ev = waitFor(t, rec.alerts)
	assert.Equal(t, models.ActionEnter, ev.Action)
	waitFor(t, rec.locs)

	assert.Equal(t, []string{
		"enter:red-fort", "location",
		"exit:red-fort", "location",
		"enter:red-fort", "location",
	}, rec.snapshot())

	st := m.Status()
	assert.Equal(t, []string{"red-fort"}, st.ActiveZoneIDs)
	assert.EqualValues(t, 3, st.SamplesProcessed)
	require.NotNil(t, st.StartedAt)
}

func TestMonitor_StartTwice(t *testing.T) {
	src := newFakeSource(result{sample: outsideFort})
	m := newTestMonitor(t, src)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	assert.ErrorIs(t, m.Start(context.Background()), ErrMonitorRunning)
}

func TestMonitor_PermissionDeniedIsTerminal(t *testing.T) {
	src := newFakeSource(result{err: fmt.Errorf("user declined: %w", ErrPermissionDenied)})
	m := newTestMonitor(t, src)
	rec := record(m)

	require.NoError(t, m.Start(context.Background()))
	acq := waitFor(t, rec.errs)
	waitDone(t, m)

	assert.True(t, acq.Terminal)
	assert.Equal(t, CodePermissionDenied, acq.Code)
	assert.ErrorIs(t, acq, ErrPermissionDenied)
	assert.Len(t, src.currentCalls(), 1, "permission denial must not be retried")
	assert.Equal(t, StateIdle, m.State())
	assertNone(t, rec.alerts)
}

func TestMonitor_TimeoutFallsBackThenRecovers(t *testing.T) {
	src := newFakeSource(result{err: ErrTimeout}, result{sample: insideFort})
	m := newTestMonitor(t, src)
	rec := record(m)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	acq := waitFor(t, rec.errs)
	assert.False(t, acq.Terminal)
	assert.Equal(t, CodeTimeout, acq.Code)

	ev := waitFor(t, rec.alerts)
	assert.Equal(t, models.ActionEnter, ev.Action)
	src.nextSub(t)
	assert.Equal(t, StateMonitoring, m.State())

	calls := src.currentCalls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].HighAccuracy)
	assert.Zero(t, calls[0].MaximumAge)
	assert.False(t, calls[1].HighAccuracy)
	assert.Equal(t, fastRetry.CachedMaxAge, calls[1].MaximumAge)
}

func TestMonitor_RetriesExhausted(t *testing.T) {
	src := newFakeSource(result{err: ErrTimeout})
	m := newTestMonitor(t, src)
	rec := record(m)

	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)

	var got []*AcquisitionError
	for i := 0; i < int(fastRetry.MaxAttempts); i++ {
		got = append(got, waitFor(t, rec.errs))
	}
	assertNone(t, rec.errs)

	assert.False(t, got[0].Terminal)
	assert.False(t, got[1].Terminal)
	assert.True(t, got[2].Terminal)
	assert.Equal(t, CodeTimeout, got[2].Code)
	assert.Len(t, src.currentCalls(), int(fastRetry.MaxAttempts))
	assert.Equal(t, StateIdle, m.State())
}

func TestMonitor_WatchErrors(t *testing.T) {
	src := newFakeSource(result{sample: outsideFort})
	m := newTestMonitor(t, src)
	rec := record(m)

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, rec.locs)
	sub := src.nextSub(t)

	sub <- Reading{Err: ErrTimeout}
	acq := waitFor(t, rec.errs)
	assert.False(t, acq.Terminal)
	assert.Equal(t, StateMonitoring, m.State())

	sub <- Reading{Sample: insideFort}
	assert.Equal(t, models.ActionEnter, waitFor(t, rec.alerts).Action)

	sub <- Reading{Err: ErrPermissionDenied}
	acq = waitFor(t, rec.errs)
	assert.True(t, acq.Terminal)
	assert.Equal(t, CodePermissionDenied, acq.Code)
	waitDone(t, m)
	assert.Equal(t, StateIdle, m.State())
}

func TestMonitor_InvalidSampleIsDropped(t *testing.T) {
	src := newFakeSource(result{sample: outsideFort})
	m := newTestMonitor(t, src)
	rec := record(m)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	waitFor(t, rec.locs)
	sub := src.nextSub(t)

	sub <- Reading{Sample: models.PositionSample{Latitude: math.NaN(), Longitude: 77.24}}
	sub <- Reading{Sample: insideFort}

	assert.Equal(t, models.ActionEnter, waitFor(t, rec.alerts).Action)
	loc := waitFor(t, rec.locs)
	assert.Equal(t, insideFort, loc)
	assert.EqualValues(t, 2, m.Status().SamplesProcessed)

	// The bad sample is skipped without reaching any listener.
	assertNone(t, rec.errs)
	assert.Equal(t, []string{"location", "enter:red-fort", "location"}, rec.snapshot())
}

func TestMonitor_Resubscribes(t *testing.T) {
	src := newFakeSource(result{sample: outsideFort})
	m := newTestMonitor(t, src)
	rec := record(m)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	waitFor(t, rec.locs)

	first := src.nextSub(t)
	first <- Reading{Sample: outsideFort}
	waitFor(t, rec.locs)
	close(first)

	second := src.nextSub(t)
	second <- Reading{Sample: insideFort}
	assert.Equal(t, models.ActionEnter, waitFor(t, rec.alerts).Action)
}

func TestMonitor_StopDiscardsInFlight(t *testing.T) {
	src := newFakeSource(result{sample: insideFort})
	src.gate = make(chan struct{})
	m := newTestMonitor(t, src)
	rec := record(m)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateRequesting, m.State())

	m.Stop()
	assert.Equal(t, StateIdle, m.State())
	close(src.gate)
	waitDone(t, m)

	assertNone(t, rec.alerts)
	assertNone(t, rec.locs)
	assertNone(t, rec.errs)
	assert.Empty(t, m.Status().ActiveZoneIDs)
}

func TestMonitor_StopDuringMonitoring(t *testing.T) {
	src := newFakeSource(result{sample: outsideFort})
	m := newTestMonitor(t, src)
	rec := record(m)

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, rec.locs)
	sub := src.nextSub(t)

	m.Stop()
	waitDone(t, m)
	sub <- Reading{Sample: insideFort}

	assertNone(t, rec.alerts)
	assert.Equal(t, StateIdle, m.State())

	// A fresh session starts from an empty containment set.
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	waitFor(t, rec.locs)
}

func TestMonitor_ParentContextCancelled(t *testing.T) {
	src := newFakeSource(result{sample: outsideFort})
	m := newTestMonitor(t, src)
	rec := record(m)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	waitFor(t, rec.locs)
	src.nextSub(t)

	cancel()
	waitDone(t, m)
	assert.Equal(t, StateIdle, m.State())
	assertNone(t, rec.errs)
}

func TestMonitor_ListenerIsolationAndUnsubscribe(t *testing.T) {
	src := newFakeSource(result{sample: outsideFort})
	m := newTestMonitor(t, src)

	m.OnAlert(func(models.TransitionEvent) { panic("listener bug") })
	got := make(chan models.TransitionEvent, 8)
	m.OnAlert(func(ev models.TransitionEvent) { got <- ev })
	removed := make(chan models.TransitionEvent, 8)
	unsubscribe := m.OnAlert(func(ev models.TransitionEvent) { removed <- ev })
	locs := make(chan models.PositionSample, 8)
	m.OnLocationUpdate(func(s models.PositionSample) { locs <- s })

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	waitFor(t, locs)
	sub := src.nextSub(t)

	sub <- Reading{Sample: insideFort}
	waitFor(t, got)
	waitFor(t, removed)
	waitFor(t, locs)

	unsubscribe()
	unsubscribe()

	sub <- Reading{Sample: outsideFort}
	assert.Equal(t, models.ActionExit, waitFor(t, got).Action)
	waitFor(t, locs)
	assertNone(t, removed)
}

func TestRetryPolicy_Options(t *testing.T) {
	p := DefaultRetryPolicy()

	first := p.options(0)
	assert.True(t, first.HighAccuracy)
	assert.Equal(t, p.Timeout, first.Timeout)
	assert.Zero(t, first.MaximumAge)

	retry := p.options(2)
	assert.False(t, retry.HighAccuracy)
	assert.Equal(t, p.CachedMaxAge, retry.MaximumAge)
}
