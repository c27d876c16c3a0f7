package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"eddisonso.com/edd-proxy/internal/cache"
	"eddisonso.com/edd-proxy/internal/events"
	"github.com/google/uuid"
)

const eventSource = "edd-proxy"

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type HandlerConfig struct {
	UserAgent string
	// ConnectTimeout bounds dialing the origin; zero means no limit.
	ConnectTimeout time.Duration
	// IdleTimeout bounds each read from the origin; zero means no limit.
	IdleTimeout time.Duration
	// Dialer overrides the default net.Dialer.
	Dialer Dialer
}

// Handler serves one client connection: it answers from the cache when it
// can, and otherwise forwards the request to the origin, streams the reply
// back and caches it if it is small enough.
type Handler struct {
	cache  *cache.Cache
	events events.Sink
	cfg    HandlerConfig
	dialer Dialer
}

func NewHandler(c *cache.Cache, sink events.Sink, cfg HandlerConfig) *Handler {
	if sink == nil {
		sink = events.Nop{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Handler{cache: c, events: sink, cfg: cfg, dialer: dialer}
}

// exchange records what happened to one request, for logging and events.
type exchange struct {
	id      string
	client  string
	method  string
	target  string
	key     string
	outcome string
	status  int
	bytes   int64
	logger  *slog.Logger
}

// Serve handles a single request on conn. It never closes conn; the worker
// that owns the connection does.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	start := time.Now()
	ex := &exchange{id: uuid.NewString(), client: remoteAddr(conn)}
	ex.logger = slog.With("request_id", ex.id, "client", ex.client)

	h.serve(ctx, conn, ex)
	if ex.outcome == "" {
		return
	}

	dur := time.Since(start)
	ex.logger.Info("request served",
		"method", ex.method,
		"target", ex.target,
		"outcome", ex.outcome,
		"status", ex.status,
		"bytes", ex.bytes,
		"duration_ms", float64(dur.Microseconds())/1000,
	)
	h.events.Emit(events.RequestServed{
		Metadata:   events.NewMetadata(eventSource, ex.id),
		RequestID:  ex.id,
		Client:     ex.client,
		Method:     ex.method,
		Target:     ex.target,
		Outcome:    ex.outcome,
		Status:     ex.status,
		Bytes:      ex.bytes,
		DurationMs: float64(dur.Microseconds()) / 1000,
	})
}

func (h *Handler) serve(ctx context.Context, conn net.Conn, ex *exchange) {
	rr := newRequestReader(bufio.NewReaderSize(conn, maxHeaderBytes))
	req, err := rr.readRequestLine()
	if err != nil {
		h.rejectUnreadable(conn, ex, err)
		return
	}

	// Other methods are refused before their headers are read.
	ex.method, ex.target = req.Method, req.Target
	if !strings.EqualFold(req.Method, http.MethodGet) {
		ex.logger.Info("rejecting unsupported method", "method", req.Method)
		h.reject(conn, ex, http.StatusNotImplemented, req.Method, "Proxy does not implement this method")
		return
	}

	if err := rr.readHeaders(req); err != nil {
		h.rejectUnreadable(conn, ex, err)
		return
	}

	target, key, err := resolveTarget(req)
	if err != nil {
		ex.logger.Warn("bad request target", "target", req.Target, "error", err)
		h.reject(conn, ex, http.StatusBadRequest, req.Target, "Malformed or unsupported URI")
		return
	}
	ex.key = key

	if h.serveFromCache(conn, ex) {
		return
	}
	h.forward(ctx, conn, req, target, ex)
}

// resolveTarget finds the origin and the cache key for req. Origin-form
// targets ("/path") are resolved against the client's Host header.
func resolveTarget(req *request) (Target, string, error) {
	if strings.HasPrefix(req.Target, "/") {
		host, ok := req.header("Host")
		if !ok || host == "" {
			return Target{}, "", ErrMissingHost
		}
		key := "http://" + host + req.Target
		t, err := ParseURI(key)
		return t, key, err
	}
	t, err := ParseURI(req.Target)
	return t, req.Target, err
}

func (h *Handler) serveFromCache(conn net.Conn, ex *exchange) bool {
	idx, ok := h.cache.Lookup(ex.key)
	if !ok {
		return false
	}
	defer h.cache.ReleaseRead(idx)

	body := h.cache.Body(idx)
	ex.outcome = events.OutcomeHit
	ex.status, _ = parseResponseStatus(body)
	n, err := conn.Write(body)
	ex.bytes = int64(n)
	if err != nil {
		ex.logger.Debug("client went away during cached reply", "error", err)
	}
	return true
}

func (h *Handler) forward(ctx context.Context, conn net.Conn, req *request, target Target, ex *exchange) {
	dialCtx := ctx
	if h.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, h.cfg.ConnectTimeout)
		defer cancel()
	}

	upstream, err := h.dialer.DialContext(dialCtx, "tcp", target.Addr())
	if err != nil {
		ex.logger.Error("failed to connect to origin", "addr", target.Addr(), "error", err)
		ex.outcome = events.OutcomeUpstreamError
		ex.status = http.StatusBadGateway
		writeClientError(conn, http.StatusBadGateway, target.Addr(), "Could not connect to the origin server")
		return
	}
	defer upstream.Close()

	// Shutdown aborts a stalled origin read.
	stop := context.AfterFunc(ctx, func() { upstream.SetDeadline(time.Now()) })
	defer stop()

	if _, err := upstream.Write(buildUpstreamRequest(target, req, h.cfg.UserAgent)); err != nil {
		ex.logger.Error("failed to write request to origin", "addr", target.Addr(), "error", err)
		ex.outcome = events.OutcomeUpstreamError
		ex.status = http.StatusBadGateway
		writeClientError(conn, http.StatusBadGateway, target.Addr(), "Could not send the request to the origin server")
		return
	}

	ex.outcome = events.OutcomeMiss
	body, err := h.relay(ctx, conn, upstream, ex)
	if err != nil {
		ex.logger.Warn("response relay aborted", "addr", target.Addr(), "error", err)
		return
	}
	if body == nil {
		return
	}

	slot, err := h.cache.Write(ex.key, body)
	if errors.Is(err, cache.ErrWriteInProgress) {
		ex.logger.Debug("response already being cached", "key", ex.key, "slot", slot)
		return
	}
	if err != nil {
		ex.logger.Warn("failed to cache response", "key", ex.key, "error", err)
		return
	}
	ex.logger.Debug("cached response", "key", ex.key, "slot", slot, "size", len(body))
	h.events.Emit(events.ObjectCached{
		Metadata:  events.NewMetadata(eventSource, ex.key),
		RequestID: ex.id,
		Key:       ex.key,
		Slot:      slot,
		Size:      len(body),
	})
}

// relay streams the origin's reply to the client line by line while
// buffering it for the cache. It returns the buffered reply if the whole
// response arrived and fits in a cache slot, or nil otherwise.
func (h *Handler) relay(ctx context.Context, client io.Writer, upstream net.Conn, ex *exchange) ([]byte, error) {
	limit := int64(h.cache.MaxObjectSize())
	r := bufio.NewReader(upstream)
	var buf []byte
	cacheable := true

	for {
		// Re-arming the idle deadline would undo a shutdown abort.
		if err := ctx.Err(); err != nil {
			ex.outcome = events.OutcomeUpstreamError
			return nil, fmt.Errorf("read from origin: %w", err)
		}
		if h.cfg.IdleTimeout > 0 {
			upstream.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		}
		line, rerr := r.ReadSlice('\n')
		if len(line) > 0 {
			if ex.bytes == 0 {
				ex.status, _ = parseResponseStatus(line)
			}
			if _, err := client.Write(line); err != nil {
				ex.outcome = events.OutcomeClientError
				return nil, fmt.Errorf("write to client: %w", err)
			}
			ex.bytes += int64(len(line))
			if cacheable {
				if ex.bytes <= limit {
					buf = append(buf, line...)
				} else {
					cacheable = false
					buf = nil
				}
			}
		}

		switch {
		case rerr == nil, errors.Is(rerr, bufio.ErrBufferFull):
			continue
		case errors.Is(rerr, io.EOF):
			if !cacheable || ex.bytes == 0 {
				return nil, nil
			}
			return buf, nil
		default:
			ex.outcome = events.OutcomeUpstreamError
			return nil, fmt.Errorf("read from origin: %w", rerr)
		}
	}
}

// rejectUnreadable answers a request that could not be read.
func (h *Handler) rejectUnreadable(conn net.Conn, ex *exchange, err error) {
	switch {
	case errors.Is(err, errEmptyRequest):
		ex.logger.Debug("client closed without sending a request")
	case errors.Is(err, errHeaderTooLarge):
		ex.logger.Warn("request headers too large")
		h.reject(conn, ex, http.StatusRequestHeaderFieldsTooLarge, "request", "Request header block is too large")
	case errors.Is(err, errMalformedRequest):
		ex.logger.Warn("malformed request", "error", err)
		h.reject(conn, ex, http.StatusBadRequest, "request", "Malformed request line or header")
	default:
		ex.logger.Debug("failed to read request", "error", err)
	}
}

func (h *Handler) reject(conn net.Conn, ex *exchange, code int, cause, msg string) {
	ex.outcome = events.OutcomeRejected
	ex.status = code
	if err := writeClientError(conn, code, cause, msg); err != nil {
		ex.logger.Debug("failed to write error response", "error", err)
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
