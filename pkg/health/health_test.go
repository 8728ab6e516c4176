package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing() CheckFunc {
	return func(_ context.Context) error { return nil }
}

func failing(msg string) CheckFunc {
	return func(_ context.Context) error { return errors.New(msg) }
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestLiveEndpoint_AllPassing(t *testing.T) {
	s := NewService()
	s.Register("pool", Liveness, time.Second, passing())
	s.Register("goroutines", Liveness, time.Second, passing())

	w := httptest.NewRecorder()
	s.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeStatus(t, w).Status)
}

func TestLiveEndpoint_FailsAfterThreshold(t *testing.T) {
	s := NewService()
	s.Register("pool", Liveness, time.Second, failing("connection refused"))

	// Two consecutive failures stay under the threshold of three.
	p := s.probes[0]
	p.observe(p.check(context.Background()))
	p.observe(p.check(context.Background()))

	w := httptest.NewRecorder()
	s.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	p.observe(p.check(context.Background()))

	w = httptest.NewRecorder()
	s.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeStatus(t, w)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "connection refused", body.Checks["pool"])
}

func TestProbe_RecoversAfterOneSuccess(t *testing.T) {
	healthy := false
	s := NewService()
	s.Register("pool", Readiness, time.Second, func(_ context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	})
	s.SetReady(true)

	p := s.probes[0]
	for range 3 {
		p.observe(p.check(context.Background()))
	}
	assert.False(t, s.IsReady())

	healthy = true
	p.observe(p.check(context.Background()))
	assert.True(t, s.IsReady())
}

func TestReadyEndpoint_GateClosedUntilSetReady(t *testing.T) {
	s := NewService()
	s.Register("pool", Readiness, time.Second, passing())

	w := httptest.NewRecorder()
	s.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeStatus(t, w).Checks, "_gate")

	s.SetReady(true)

	w = httptest.NewRecorder()
	s.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyEndpoint_IgnoresLivenessProbes(t *testing.T) {
	s := NewService()
	s.Register("goroutines", Liveness, time.Second, failing("leak"))
	s.SetReady(true)

	p := s.probes[0]
	for range 3 {
		p.observe(p.check(context.Background()))
	}

	w := httptest.NewRecorder()
	s.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartStop_RunsProbesOnInterval(t *testing.T) {
	calls := make(chan struct{}, 16)
	s := NewService()
	s.Register("counter", Readiness, time.Second, func(_ context.Context) error {
		calls <- struct{}{}
		return nil
	})

	s.Start(context.Background(), 10*time.Millisecond)
	defer s.Stop()

	// Immediate run plus at least one tick.
	for range 2 {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("probe did not run")
		}
	}

	s.Stop()
}

func TestGoroutineCount(t *testing.T) {
	assert.NoError(t, GoroutineCount(1_000_000)(context.Background()))
	assert.Error(t, GoroutineCount(0)(context.Background()))
}
