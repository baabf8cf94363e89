package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jengzang/geofence-backend-go/internal/geofence"
	"github.com/jengzang/geofence-backend-go/internal/logging"
	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/repository"
	"github.com/jengzang/geofence-backend-go/internal/source"
)

const recordTimeout = 5 * time.Second

// ErrUnknownErrorCode is returned for source error reports with an
// unrecognised code.
var ErrUnknownErrorCode = errors.New("unknown error code")

// Stream event types.
const (
	EventAlert    = "alert"
	EventLocation = "location"
	EventError    = "error"
)

// StreamEvent is one item on the live monitor stream.
type StreamEvent struct {
	Type string
	Data any
}

// ErrorPayload is the stream form of an acquisition error.
type ErrorPayload struct {
	Code     geofence.ErrorCode `json:"code"`
	Terminal bool               `json:"terminal"`
	Message  string             `json:"message"`
}

// MonitorService runs the single geofence monitor of this server. Positions
// are pushed by the client device, transitions are written to the log and
// every monitor output is fanned out to stream subscribers.
type MonitorService struct {
	base        context.Context
	monitor     *geofence.Monitor
	source      *source.PushSource
	transitions *repository.TransitionRepository
	log         logging.Logger

	// startMu orders session starts against catalog replacement.
	startMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]chan StreamEvent
	nextID uint64
}

// NewMonitorService wires the monitor listeners. Sessions run under base, so
// they outlive the HTTP request that started them.
func NewMonitorService(base context.Context, monitor *geofence.Monitor, src *source.PushSource, transitions *repository.TransitionRepository, log logging.Logger) *MonitorService {
	s := &MonitorService{
		base:        base,
		monitor:     monitor,
		source:      src,
		transitions: transitions,
		log:         logging.Component(log, "monitor"),
		subs:        make(map[uint64]chan StreamEvent),
	}

	monitor.OnAlert(s.recordTransition)
	monitor.OnAlert(func(ev models.TransitionEvent) {
		s.broadcast(StreamEvent{Type: EventAlert, Data: ev})
	})
	monitor.OnLocationUpdate(func(sample models.PositionSample) {
		s.broadcast(StreamEvent{Type: EventLocation, Data: sample})
	})
	monitor.OnError(func(err error) {
		payload := ErrorPayload{Code: geofence.CodeOf(err), Message: err.Error()}
		var acq *geofence.AcquisitionError
		if errors.As(err, &acq) {
			payload.Code = acq.Code
			payload.Terminal = acq.Terminal
		}
		s.broadcast(StreamEvent{Type: EventError, Data: payload})
	})
	return s
}

// Start begins a monitoring session.
func (s *MonitorService) Start() (geofence.MonitorStatus, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if err := s.monitor.Start(s.base); err != nil {
		return s.monitor.Status(), err
	}
	return s.monitor.Status(), nil
}

// Stop ends the current session, if any.
func (s *MonitorService) Stop() geofence.MonitorStatus {
	s.monitor.Stop()
	return s.monitor.Status()
}

// Status reports the monitor state.
func (s *MonitorService) Status() geofence.MonitorStatus {
	return s.monitor.Status()
}

// Running reports whether a session is in progress.
func (s *MonitorService) Running() bool {
	return s.monitor.State() != geofence.StateIdle
}

// WhileIdle runs fn when no session is running. No session can start until
// fn returns.
func (s *MonitorService) WhileIdle(fn func() error) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.Running() {
		return ErrCatalogLocked
	}
	return fn()
}

// PushPosition publishes a device fix to the monitor.
func (s *MonitorService) PushPosition(sample models.PositionSample) error {
	return s.source.Publish(sample)
}

// ReportSourceError publishes a device location failure.
func (s *MonitorService) ReportSourceError(code geofence.ErrorCode, message string) error {
	sentinel, ok := geofence.ErrorForCode(code)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownErrorCode, code)
	}
	if message == "" {
		s.source.Fail(sentinel)
		return nil
	}
	s.source.Fail(fmt.Errorf("%s: %w", message, sentinel))
	return nil
}

// Subscribe returns a stream of monitor events and a cancel func. Events are
// dropped for subscribers that fall more than buffer events behind.
func (s *MonitorService) Subscribe(buffer int) (<-chan StreamEvent, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan StreamEvent, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *MonitorService) broadcast(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn(context.Background(), "stream subscriber lagging, event dropped",
				logging.Any("subscriber", id), logging.String("type", ev.Type))
		}
	}
}

func (s *MonitorService) recordTransition(ev models.TransitionEvent) {
	if s.transitions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := s.transitions.Insert(ctx, ev); err != nil {
		s.log.Error(ctx, "failed to record transition",
			logging.String("zone_id", ev.Zone.ID),
			logging.String("action", string(ev.Action)),
			logging.Err(err))
	}
}
