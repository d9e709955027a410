// Package control exposes the simulation engine over HTTP and WebSocket:
// start/stop/pause/resume, status and comparison polling, and a push feed
// for live dashboards.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dtp-project/dtp/internal/dtp/simulation"
	"github.com/dtp-project/dtp/internal/logging"
)

// Server is the control-plane HTTP/WebSocket API in front of a
// simulation.Engine.
type Server struct {
	engine *simulation.Engine
	logger *slog.Logger

	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}

	httpServer *http.Server
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default package logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Server bound to engine. Call ListenAndServe to start it.
func New(engine *simulation.Engine, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		logger:  logging.L(),
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the gorilla/mux router for this server's routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/simulation/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/simulation/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/simulation/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/simulation/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/simulation/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/simulation/results", s.handleResults).Methods(http.MethodGet)
	r.HandleFunc("/comparison", s.handleComparison).Methods(http.MethodGet)
	r.HandleFunc("/comparison/clear", s.handleComparisonClear).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	return r
}

// ListenAndServe starts the HTTP server on addr using Router's handler.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	s.logger.Info("control_api_listen", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and closes any live WebSocket
// connections.
func (s *Server) Shutdown() {
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.clientsMu.Unlock()
}

type simulationResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type startRequest struct {
	Mode               string  `json:"mode"`
	CriticalCount      int     `json:"critical_count"`
	HighCount          int     `json:"high_count"`
	MediumCount        int     `json:"medium_count"`
	LowCount           int     `json:"low_count"`
	SimulateCongestion bool    `json:"simulate_congestion"`
	CongestionLevel    float32 `json:"congestion_level"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	req.CriticalCount, req.HighCount, req.MediumCount, req.LowCount = 50, 200, 500, 1000
	req.SimulateCongestion = true
	req.CongestionLevel = 0.3
	req.Mode = string(simulation.ModeDTP)
	_ = json.NewDecoder(r.Body).Decode(&req)

	mode := simulation.Mode(req.Mode)
	if mode != simulation.ModeDTP && mode != simulation.ModeUDPRaw {
		mode = simulation.ModeDTP
	}

	cfg := simulation.Config{
		Mode: mode,
		Profile: simulation.TrafficProfile{
			CriticalCount: req.CriticalCount,
			HighCount:     req.HighCount,
			MediumCount:   req.MediumCount,
			LowCount:      req.LowCount,
		},
		SimulateCongestion: req.SimulateCongestion,
		CongestionLevel:    req.CongestionLevel,
	}
	if err := s.engine.Start(cfg); err != nil {
		writeJSON(w, http.StatusInternalServerError, simulationResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, simulationResponse{Status: "started", Message: "simulation started in " + string(mode) + " mode"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	writeJSON(w, http.StatusOK, simulationResponse{Status: "stopped", Message: "simulation stopped"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause()
	writeJSON(w, http.StatusOK, simulationResponse{Status: "paused", Message: "simulation paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	writeJSON(w, http.StatusOK, simulationResponse{Status: "running", Message: "simulation resumed"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CurrentSnapshot())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetResults())
}

func (s *Server) handleComparison(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetComparison())
}

func (s *Server) handleComparisonClear(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearResults()
	writeJSON(w, http.StatusOK, simulationResponse{Status: "cleared", Message: "comparison results cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const wsKeepaliveInterval = 30 * time.Second

// handleWS upgrades to a WebSocket and relays metrics pushes until the peer
// disconnects, echoing "ping" with "pong" and sending a keepalive frame
// whenever no client message arrives within the interval.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsKeepaliveInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				if werr := conn.WriteJSON(map[string]string{"type": "keepalive"}); werr != nil {
					return
				}
				continue
			}
			return
		}
		if string(data) == "ping" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}
		}
	}
}

// broadcastPayload is the envelope every pushed WebSocket message carries.
type broadcastPayload struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Broadcast pushes data to every connected WebSocket client under the given
// type tag. Intended to be wired as the simulation engine's metrics-update
// callback.
func (s *Server) Broadcast(eventType string, data any) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if len(s.clients) == 0 {
		return
	}
	payload := broadcastPayload{Type: eventType, Data: data}
	for c := range s.clients {
		if err := c.WriteJSON(payload); err != nil {
			s.logger.Debug("ws_broadcast_failed", "error", err)
		}
	}
}
