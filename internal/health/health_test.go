package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

// blockingPinger waits for its context, like a store behind a dead network.
type blockingPinger struct{}

func (blockingPinger) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func get(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New([]Check{Store(fakePinger{err: errors.New("disk full")})}, WithVersion("1.4.0"))

	code, rep := get(t, h, "/healthz")
	if code != http.StatusOK || rep.Status != StatusOK {
		t.Errorf("healthz = %d %q, want 200 ok even with a failing store", code, rep.Status)
	}
	if rep.Version != "1.4.0" {
		t.Errorf("version = %q", rep.Version)
	}
	if rep.Checks != nil {
		t.Errorf("healthz ran checks: %v", rep.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	down := errors.New("connection refused")

	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
	}{
		{"no checks", nil, http.StatusOK, StatusOK},
		{"store and generator up", []Check{Store(fakePinger{}), Generator(fakePinger{})}, http.StatusOK, StatusOK},
		{"generator down", []Check{Store(fakePinger{}), Generator(fakePinger{err: down})}, http.StatusOK, StatusDegraded},
		{"store down", []Check{Store(fakePinger{err: down}), Generator(fakePinger{})}, http.StatusServiceUnavailable, StatusUnavailable},
		{"both down", []Check{Generator(fakePinger{err: down}), Store(fakePinger{err: down})}, http.StatusServiceUnavailable, StatusUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, rep := get(t, New(tt.checks), "/readyz")
			if code != tt.wantCode || rep.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.checks) {
				t.Errorf("checks = %v", rep.Checks)
			}
		})
	}
}

func TestReadyz_CheckDetails(t *testing.T) {
	t.Parallel()
	h := New([]Check{Store(fakePinger{}), Generator(fakePinger{err: errors.New("ollama unreachable")})})

	_, rep := get(t, h, "/readyz")
	store, gen := rep.Checks["store"], rep.Checks["generator"]
	if store.Status != StatusOK || store.Optional || store.Error != "" {
		t.Errorf("store = %+v", store)
	}
	if gen.Status != "fail" || !gen.Optional || gen.Error != "ollama unreachable" {
		t.Errorf("generator = %+v", gen)
	}
}

func TestEvaluate_ChecksRunConcurrentlyUnderTimeout(t *testing.T) {
	t.Parallel()
	h := New([]Check{
		Store(blockingPinger{}),
		Generator(blockingPinger{}),
	}, WithTimeout(100*time.Millisecond))

	start := time.Now()
	rep := h.Evaluate(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Evaluate took %v; checks did not share the timeout window", elapsed)
	}
	if rep.Status != StatusUnavailable {
		t.Errorf("status = %q, want unavailable", rep.Status)
	}
	if rep.Checks["store"].Error != context.DeadlineExceeded.Error() {
		t.Errorf("store error = %q", rep.Checks["store"].Error)
	}
}

func TestEvaluate_HonoursRequestCancellation(t *testing.T) {
	t.Parallel()
	h := New([]Check{Store(blockingPinger{})})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if rep := h.Evaluate(ctx); rep.Status != StatusUnavailable {
		t.Errorf("status = %q, want unavailable", rep.Status)
	}
}

func TestReadyz_TracksTransitions(t *testing.T) {
	t.Parallel()
	p := &switchPinger{}
	h := New([]Check{Store(p)})

	get(t, h, "/readyz")
	if h.last != StatusOK {
		t.Fatalf("last = %q", h.last)
	}
	p.err = errors.New("database is locked")
	if code, _ := get(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", code)
	}
	if h.last != StatusUnavailable {
		t.Errorf("last = %q, want unavailable", h.last)
	}
}

type switchPinger struct{ err error }

func (s *switchPinger) Ping(context.Context) error { return s.err }
