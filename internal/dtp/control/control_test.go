package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dtp-project/dtp/internal/dtp/simulation"
)

func TestHandleStartAppliesDefaultsAndStartsEngine(t *testing.T) {
	engine := simulation.New(simulation.WithAddr("127.0.0.1", 41999))
	defer engine.Stop()
	s := New(engine)

	req := httptest.NewRequest(http.MethodPost, "/simulation/start", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	var resp simulationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "started" {
		t.Fatalf("status field = %q, want started", resp.Status)
	}
	if !engine.IsRunning() {
		t.Fatal("expected engine to be running after /simulation/start")
	}
}

func TestHandleStopStopsEngine(t *testing.T) {
	engine := simulation.New(simulation.WithAddr("127.0.0.1", 41998))
	engine.Start(simulation.Config{Mode: simulation.ModeDTP, Profile: simulation.TrafficProfile{LowCount: 1, Duration: 10 * time.Millisecond}})
	s := New(engine)

	req := httptest.NewRequest(http.MethodPost, "/simulation/stop", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if engine.IsRunning() {
		t.Fatal("expected engine to be stopped after /simulation/stop")
	}
}

func TestHandleHealthReturnsOK(t *testing.T) {
	engine := simulation.New()
	s := New(engine)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleComparisonClearEmptiesResults(t *testing.T) {
	engine := simulation.New()
	s := New(engine)

	req := httptest.NewRequest(http.MethodPost, "/comparison/clear", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	cmp := engine.GetComparison()
	if cmp.DTP.Mode != "" || cmp.UDPRaw.Mode != "" {
		t.Fatalf("expected cleared comparison, got %+v", cmp)
	}
}

func TestBroadcastWithNoClientsIsNoop(t *testing.T) {
	s := New(simulation.New())
	s.Broadcast("metrics", map[string]int{"x": 1}) // must not panic with zero clients
}
