package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/geofence-backend-go/internal/database"
	"github.com/jengzang/geofence-backend-go/internal/geofence"
	"github.com/jengzang/geofence-backend-go/internal/handler"
	"github.com/jengzang/geofence-backend-go/internal/middleware"
	"github.com/jengzang/geofence-backend-go/internal/models"
	"github.com/jengzang/geofence-backend-go/internal/observability"
	"github.com/jengzang/geofence-backend-go/internal/repository"
	"github.com/jengzang/geofence-backend-go/internal/service"
	"github.com/jengzang/geofence-backend-go/internal/source"
	"github.com/jengzang/geofence-backend-go/internal/spatial"
)

const secret = "router-test-secret"

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	token  string
}

func testCatalog() []models.Zone {
	return []models.Zone{
		{
			ID:       "red-fort",
			Name:     "Red Fort Safe Zone",
			Kind:     models.ZoneSafe,
			Geometry: models.Circle(spatial.Point{Lat: 28.6562, Lon: 77.2410}, 600),
		},
		{
			ID:   "market",
			Name: "Night Market",
			Kind: models.ZoneCaution,
			Geometry: models.Polygon(
				spatial.Point{Lat: 28.6580, Lon: 77.2265}, spatial.Point{Lat: 28.6580, Lon: 77.2340},
				spatial.Point{Lat: 28.6545, Lon: 77.2340},
			),
			ActiveWindow: &models.TimeWindow{Start: 20 * 60, End: 2 * 60},
		},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, nil))

	metrics, err := observability.NewGeofenceCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	store := geofence.NewZoneStore()
	src := source.NewPushSource()
	monitor := geofence.NewMonitor(src, geofence.NewEvaluator(store),
		geofence.WithMetrics(metrics),
		geofence.WithRetryPolicy(geofence.RetryPolicy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Timeout:         2 * time.Second,
			CachedMaxAge:    time.Minute,
		}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	transitions := repository.NewTransitionRepository(db)
	monitorSvc := service.NewMonitorService(ctx, monitor, src, transitions, nil)
	t.Cleanup(func() { monitorSvc.Stop() })

	zoneSvc := service.NewZoneService(repository.NewZoneRepository(db), store, time.UTC, monitorSvc, nil)
	require.NoError(t, zoneSvc.Replace(ctx, testCatalog()))

	validator := middleware.NewJWTValidator(secret)
	token, err := validator.Sign(jwt.RegisteredClaims{
		Subject:   "device-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	router := SetupRouter(Handlers{
		Zones:       handler.NewZoneHandler(zoneSvc),
		Monitor:     handler.NewMonitorHandler(monitorSvc),
		Transitions: handler.NewTransitionHandler(service.NewTransitionService(transitions)),
	}, Options{
		Validator:   validator,
		RateLimiter: middleware.NewRateLimiter(1000, 1000),
		Metrics:     metrics.Handler(),
	})
	return &testServer{router: router, token: token}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestRouter_PublicAndProtected(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/zones", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "geofence_monitor_state")
}

func TestRouter_Zones(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodGet, "/api/v1/zones", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Zones []models.Zone `json:"zones"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 2, list.Total)
	require.NotNil(t, list.Zones[1].ActiveWindow)
	assert.Equal(t, "20:00", list.Zones[1].ActiveWindow.Start.String())

	_, env = s.do(t, http.MethodGet, "/api/v1/zones/active?at=12:00", nil)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 1, list.Total)

	_, env = s.do(t, http.MethodGet, "/api/v1/zones/active?at=23:15", nil)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 2, list.Total)

	w, _ = s.do(t, http.MethodGet, "/api/v1/zones/active?at=noon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = s.do(t, http.MethodGet, "/api/v1/zones/red-fort", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var zone models.Zone
	require.NoError(t, json.Unmarshal(env.Data, &zone))
	assert.Equal(t, 600.0, zone.Geometry.RadiusMeters)

	w, _ = s.do(t, http.MethodGet, "/api/v1/zones/atlantis", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	bad := testCatalog()
	bad[0].Geometry.RadiusMeters = 0
	w, env = s.do(t, http.MethodPut, "/api/v1/zones", handler.ReplaceZonesRequest{Zones: bad})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, env.Error, "red-fort")

	w, _ = s.do(t, http.MethodPut, "/api/v1/zones", handler.ReplaceZonesRequest{Zones: testCatalog()[:1]})
	assert.Equal(t, http.StatusOK, w.Code)
	_, env = s.do(t, http.MethodGet, "/api/v1/zones", nil)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 1, list.Total)
}

func status(t *testing.T, s *testServer) geofence.MonitorStatus {
	t.Helper()
	var raw struct {
		State         string   `json:"state"`
		SessionID     string   `json:"sessionId"`
		ActiveZoneIDs []string `json:"activeZoneIds"`
	}
	_, env := s.do(t, http.MethodGet, "/api/v1/monitor/status", nil)
	require.NoError(t, json.Unmarshal(env.Data, &raw))

	st := geofence.MonitorStatus{SessionID: raw.SessionID, ActiveZoneIDs: raw.ActiveZoneIDs}
	for _, candidate := range []geofence.State{geofence.StateIdle, geofence.StateRequesting, geofence.StateMonitoring, geofence.StateStopped} {
		if candidate.String() == raw.State {
			st.State = candidate
		}
	}
	return st
}

func TestRouter_MonitorFlow(t *testing.T) {
	s := newTestServer(t)
	inside := map[string]any{"latitude": 28.6562, "longitude": 77.2410}

	w, _ := s.do(t, http.MethodPost, "/api/v1/monitor/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/monitor/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodPut, "/api/v1/zones", handler.ReplaceZonesRequest{Zones: testCatalog()})
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Eventually(t, func() bool {
		w, _ := s.do(t, http.MethodPost, "/api/v1/positions", inside)
		return w.Code == http.StatusAccepted && status(t, s).State == geofence.StateMonitoring
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"red-fort"}, status(t, s).ActiveZoneIDs)
	}, 2*time.Second, 10*time.Millisecond)

	w, _ = s.do(t, http.MethodPost, "/api/v1/positions", map[string]any{"latitude": 200, "longitude": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/positions", map[string]any{"longitude": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/positions/errors", map[string]any{"code": "gremlins"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/positions/errors", map[string]any{"code": "timeout", "message": "tunnel"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		_, env := s.do(t, http.MethodGet, "/api/v1/transitions?action=enter", nil)
		var page models.TransitionsResponse
		return json.Unmarshal(env.Data, &page) == nil && page.Total == 1
	}, 2*time.Second, 10*time.Millisecond)

	w, _ = s.do(t, http.MethodGet, "/api/v1/transitions?action=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/monitor/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, geofence.StateIdle, status(t, s).State)
}

func TestRouter_AlertStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/alerts/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitLine := func(prefix string) string {
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %q", prefix)
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}
	waitLine("event:status")

	w, _ := s.do(t, http.MethodPost, "/api/v1/monitor/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		for i := 0; i < 50; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/positions",
				strings.NewReader(`{"latitude": 28.6562, "longitude": 77.2410}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+s.token)
			s.router.ServeHTTP(httptest.NewRecorder(), req)
		}
	}()

	waitLine("event:alert")
	data := waitLine("data:")
	assert.Contains(t, data, `"action":"enter"`)
	assert.Contains(t, data, `"red-fort"`)

	cancel()
	<-pushed
}
