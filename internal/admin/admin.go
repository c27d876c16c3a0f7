// Package admin serves the proxy's operational endpoints: health and
// readiness checks, JSON stats, a cache listing and a websocket feed of
// served requests.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"eddisonso.com/edd-proxy/internal/cache"
	"eddisonso.com/edd-proxy/internal/events"
	"eddisonso.com/edd-proxy/internal/proxy"
	"github.com/gorilla/websocket"
)

const (
	feedBuffer = 64
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// CacheView is the read-only part of the cache the admin server reports on.
type CacheView interface {
	Stats() cache.Stats
	Entries() []cache.Entry
}

// ProxyView reports the accept side and worker pool.
type ProxyView interface {
	Stats() proxy.Stats
}

type Server struct {
	cache CacheView
	proxy ProxyView
	hub   *events.Hub

	ready    atomic.Bool
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Cache  cache.Stats `json:"cache"`
	Server proxy.Stats `json:"server"`
	Feed   FeedStats   `json:"feed"`
}

type FeedStats struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

func New(c CacheView, p ProxyView, hub *events.Hub) *Server {
	s := &Server{cache: c, proxy: p, hub: hub}
	s.upgrader = websocket.Upgrader{CheckOrigin: sameOrigin}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetReady flips the readiness check served on /readyz.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /cache", s.handleCache)
	mux.HandleFunc("GET /ws/requests", s.handleRequestFeed)
	return mux
}

func (s *Server) Serve(ln net.Listener) error {
	slog.Info("admin server listening", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Cache:  s.cache.Stats(),
		Server: s.proxy.Stats(),
	}
	if s.hub != nil {
		resp.Feed = FeedStats{Subscribers: s.hub.Subscribers(), Dropped: s.hub.Dropped()}
	}
	writeJSON(w, resp)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cache.Entries())
}

// handleRequestFeed streams RequestServed events as JSON text messages. An
// optional ?outcome= query narrows the feed to a comma separated set of
// outcomes.
func (s *Server) handleRequestFeed(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "request feed disabled", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	outcomes := parseOutcomes(r.URL.Query().Get("outcome"))
	slog.Info("WebSocket client connected", "remote", r.RemoteAddr, "outcome", r.URL.Query().Get("outcome"))

	ch, unsubscribe := s.hub.Subscribe(feedBuffer)
	defer unsubscribe()

	done := make(chan struct{})

	// Read pump (handle close)
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	// Write pump
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			served, isServed := ev.(events.RequestServed)
			if !isServed || !matchesOutcome(served, outcomes) {
				continue
			}
			data, err := json.Marshal(served)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func parseOutcomes(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = true
		}
	}
	return set
}

func matchesOutcome(e events.RequestServed, outcomes map[string]bool) bool {
	return len(outcomes) == 0 || outcomes[e.Outcome]
}

// sameOrigin accepts non-browser clients and browser pages served from the
// admin host itself.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
