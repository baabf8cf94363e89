package observability

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sample outcomes recorded by GeofenceCollector.
const (
	SampleEvaluated = "evaluated"
	SampleInvalid   = "invalid"
	SampleDiscarded = "discarded"
)

// GeofenceCollector bundles the Prometheus metrics exported by the location
// monitor. A nil collector is valid and records nothing.
type GeofenceCollector struct {
	gatherer prometheus.Gatherer

	Samples           *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	AcquisitionErrors *prometheus.CounterVec
	MonitorState      prometheus.Gauge
	ActiveZones       prometheus.Gauge
}

// NewGeofenceCollector registers geofence metrics against reg, defaulting to
// the global Prometheus registry when nil. Registering twice against the
// same registry reuses the existing collectors.
func NewGeofenceCollector(reg prometheus.Registerer) (*GeofenceCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	samples, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofence_samples_total",
		Help: "Position samples received by the monitor, labeled by outcome.",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofence_transitions_total",
		Help: "Zone transitions emitted, labeled by action and zone kind.",
	}, []string{"action", "kind"}))
	if err != nil {
		return nil, err
	}
	acqErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofence_acquisition_errors_total",
		Help: "Position acquisition failures, labeled by error code.",
	}, []string{"code"}))
	if err != nil {
		return nil, err
	}
	state, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofence_monitor_state",
		Help: "Current monitor state (0 idle, 1 requesting, 2 monitoring, 3 stopped).",
	}))
	if err != nil {
		return nil, err
	}
	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofence_active_zones",
		Help: "Number of zones containing the most recent valid sample.",
	}))
	if err != nil {
		return nil, err
	}

	return &GeofenceCollector{
		gatherer:          gatherer,
		Samples:           samples,
		Transitions:       transitions,
		AcquisitionErrors: acqErrors,
		MonitorState:      state,
		ActiveZones:       active,
	}, nil
}

// ObserveSample counts one sample with the given outcome.
func (c *GeofenceCollector) ObserveSample(result string) {
	if c == nil {
		return
	}
	c.Samples.WithLabelValues(result).Inc()
}

// ObserveTransition counts one emitted transition.
func (c *GeofenceCollector) ObserveTransition(action, kind string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(action, kind).Inc()
}

// ObserveAcquisitionError counts one failed acquisition.
func (c *GeofenceCollector) ObserveAcquisitionError(code string) {
	if c == nil {
		return
	}
	c.AcquisitionErrors.WithLabelValues(code).Inc()
}

// SetState records the numeric monitor state.
func (c *GeofenceCollector) SetState(state int) {
	if c == nil {
		return
	}
	c.MonitorState.Set(float64(state))
}

// SetActiveZones records the size of the active set.
func (c *GeofenceCollector) SetActiveZones(n int) {
	if c == nil {
		return
	}
	c.ActiveZones.Set(float64(n))
}

// Handler exposes the collector's registry over HTTP.
func (c *GeofenceCollector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("register counter vec: %w", err)
	}
	return c, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("register gauge: %w", err)
	}
	return g, nil
}
