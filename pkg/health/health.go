// Package health exposes liveness and readiness probes for the settlement
// worker. Probes use consecutive failure/success thresholds so a single
// flaky round trip to a dependency does not flip the reported state.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc reports on one dependency. Nil means healthy.
type CheckFunc func(ctx context.Context) error

// Kind separates process-level probes from traffic-readiness probes.
type Kind int

const (
	// Liveness probes detect a wedged process (goroutine leaks, long GC
	// pauses). A failing liveness probe should get the process restarted.
	Liveness Kind = iota
	// Readiness probes detect unavailable dependencies. A failing
	// readiness probe should divert traffic, not restart the process.
	Readiness
)

type probe struct {
	name      string
	kind      Kind
	timeout   time.Duration
	check     CheckFunc
	failAfter int
	passAfter int

	// written by the supervisor goroutine, read by HTTP handlers
	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// touched only by the supervisor goroutine
	fails  int
	passes int
}

func (p *probe) observe(err error) {
	p.lastErr.Store(&err)
	if err != nil {
		p.passes = 0
		if p.fails++; p.fails >= p.failAfter {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	if p.passes++; p.passes >= p.passAfter {
		p.healthy.Store(true)
	}
}

func (p *probe) failure() (string, bool) {
	if p.healthy.Load() {
		return "", false
	}
	if e := p.lastErr.Load(); e != nil && *e != nil {
		return (*e).Error(), true
	}
	return "probe is unhealthy", true
}

// Service runs registered probes on a shared interval from one supervisor
// goroutine and serves their aggregate state over HTTP. It starts not-ready;
// call SetReady(true) once initialization finishes and SetReady(false) to
// drain during shutdown.
type Service struct {
	ready atomic.Bool

	mu     sync.Mutex
	probes []*probe
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates an empty probe service.
func NewService() *Service {
	return &Service{}
}

// Register adds a probe. All probes must be registered before Start.
func (s *Service) Register(name string, kind Kind, timeout time.Duration, check CheckFunc) {
	p := &probe{
		name:      name,
		kind:      kind,
		timeout:   timeout,
		check:     check,
		failAfter: 3,
		passAfter: 1,
	}
	p.healthy.Store(true)

	s.mu.Lock()
	s.probes = append(s.probes, p)
	s.mu.Unlock()
}

// Start launches the supervisor goroutine. Probes run once immediately and
// then every interval.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	probes := make([]*probe, len(s.probes))
	copy(probes, s.probes)
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runAll(ctx, probes)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runAll(ctx, probes)
			}
		}
	}()
}

func runAll(ctx context.Context, probes []*probe) {
	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		p.observe(p.check(probeCtx))
		cancel()
	}
}

// Stop halts the supervisor and waits for it to exit. Safe to call twice.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// SetReady flips the manual readiness gate.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// IsReady reports true when the gate is open and every readiness probe passes.
func (s *Service) IsReady() bool {
	if !s.ready.Load() {
		return false
	}
	for _, p := range s.snapshot(Readiness) {
		if _, failed := p.failure(); failed {
			return false
		}
	}
	return true
}

func (s *Service) snapshot(kind Kind) []*probe {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*probe, 0, len(s.probes))
	for _, p := range s.probes {
		if p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez: 200 while all liveness probes pass, 503 with
// per-probe detail otherwise.
func (s *Service) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, s.failures(Liveness))
}

// ReadyEndpoint serves /readyz: 200 while the gate is open and all readiness
// probes pass, 503 with per-probe detail otherwise.
func (s *Service) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := s.failures(Readiness)
	if !s.ready.Load() {
		failures["_gate"] = "service is not ready"
	}
	writeStatus(w, failures)
}

func (s *Service) failures(kind Kind) map[string]string {
	failures := make(map[string]string)
	for _, p := range s.snapshot(kind) {
		if msg, failed := p.failure(); failed {
			failures[p.name] = msg
		}
	}
	return failures
}

func writeStatus(w http.ResponseWriter, failures map[string]string) {
	w.Header().Set("Content-Type", "application/json")

	resp := statusResponse{Status: "ok"}
	code := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unhealthy"
		resp.Checks = failures
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
