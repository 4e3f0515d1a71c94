// Package api serves a read-only HTTP and WebSocket surface for observing
// a running node store: current contents, operation metrics, and a live
// stream of lifecycle events. It consumes the store strictly through its
// public Get/Iterate borrows and never mutates it.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nodestore/internal/events"
	"nodestore/internal/logger"
	"nodestore/internal/metrics"
	"nodestore/internal/store"
	"nodestore/internal/ua"

	"golang.org/x/net/websocket"
)

// Server exposes store state over HTTP.
type Server struct {
	addr    string
	store   *store.Store
	metrics *metrics.Metrics
	bus     *events.Bus
	log     *logger.Scope
	started time.Time

	mu        sync.Mutex
	wsClients map[*websocket.Conn]bool

	server *http.Server
}

// NewServer creates an inspection server for the given store. metrics and
// bus may be nil, in which case the corresponding endpoints report empty
// data.
func NewServer(addr string, st *store.Store, m *metrics.Metrics, bus *events.Bus) *Server {
	return &Server{
		addr:      addr,
		store:     st,
		metrics:   m,
		bus:       bus,
		log:       logger.Component("api"),
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// Start runs the server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/api/nodes/", s.handleNode)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.Handle("/ws", websocket.Handler(s.handleWebSocket))

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}
	s.started = time.Now()

	if s.bus != nil {
		go s.forwardEvents(ctx)
	}
	go s.broadcastLoop(ctx)

	s.log.Info("inspection server starting on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StatusResponse reports store-level counters.
type StatusResponse struct {
	NodeCount   int     `json:"node_count"`
	LiveEntries int64   `json:"live_entries"`
	UptimeSec   float64 `json:"uptime_sec"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.status())
}

func (s *Server) status() StatusResponse {
	return StatusResponse{
		NodeCount:   s.store.Len(),
		LiveEntries: s.store.LiveCount(),
		UptimeSec:   time.Since(s.started).Seconds(),
	}
}

// NodeInfo is the JSON rendering of one stored node's header.
type NodeInfo struct {
	ID          string `json:"id"`
	Class       string `json:"class"`
	BrowseName  string `json:"browse_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	References  int    `json:"references"`
}

func nodeInfo(n ua.Node) NodeInfo {
	hdr := n.Header()
	return NodeInfo{
		ID:          hdr.NodeId.String(),
		Class:       n.Class().String(),
		BrowseName:  hdr.BrowseName,
		DisplayName: hdr.DisplayName,
		References:  len(hdr.References),
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodes := make([]NodeInfo, 0, s.store.Len())
	s.store.Iterate(func(n ua.Node) bool {
		nodes = append(nodes, nodeInfo(n))
		return true
	})

	s.writeJSON(w, nodes)
}

// handleNode serves /api/nodes/{ns}/{numeric} for numeric ids; other id
// kinds are reachable through the listing only.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/nodes/"), "/")
	if len(parts) != 2 {
		http.Error(w, "Expected /api/nodes/{namespace}/{numeric}", http.StatusBadRequest)
		return
	}
	ns, err1 := strconv.ParseUint(parts[0], 10, 16)
	numeric, err2 := strconv.ParseUint(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		http.Error(w, "Expected numeric namespace and identifier", http.StatusBadRequest)
		return
	}

	h := s.store.Get(ua.NumericId(uint16(ns), uint32(numeric)))
	if h == nil {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}
	info := nodeInfo(h.Node())
	s.store.Release(h)

	s.writeJSON(w, info)
}

// MetricsResponse reports operation metrics.
type MetricsResponse struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	RPS             float64 `json:"rps"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	P99LatencyMs    float64 `json:"p99_latency_ms"`
	ErrorRate       float64 `json:"error_rate"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := MetricsResponse{}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		resp = MetricsResponse{
			TotalRequests:   snap.TotalRequests,
			SuccessRequests: snap.SuccessRequests,
			FailedRequests:  snap.FailedRequests,
			RPS:             snap.RPS,
			AvgLatencyMs:    float64(snap.AverageLatency.Microseconds()) / 1000.0,
			P99LatencyMs:    float64(snap.P99Latency.Microseconds()) / 1000.0,
			ErrorRate:       snap.ErrorRate,
		}
	}

	s.writeJSON(w, resp)
}

// WebSocket handling

func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// Keep the connection open; clients only listen.
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

func (s *Server) broadcast(data interface{}) {
	s.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.Unlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

// forwardEvents relays store lifecycle events from the bus to every
// connected WebSocket client.
func (s *Server) forwardEvents(ctx context.Context) {
	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(map[string]interface{}{
				"type":  "event",
				"event": ev,
			})
		}
	}
}

// broadcastLoop pushes a status summary to WebSocket clients once a second.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			n := len(s.wsClients)
			s.mu.Unlock()
			if n == 0 {
				continue
			}
			s.broadcast(map[string]interface{}{
				"type":   "status",
				"status": s.status(),
			})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response: %v", err)
	}
}
