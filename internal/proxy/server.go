package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"eddisonso.com/edd-proxy/internal/queue"
)

var ErrServerClosed = errors.New("proxy: server closed")

// Server owns the listener, the connection queue and the worker pool.
type Server struct {
	queue *queue.Queue[net.Conn]
	pool  *Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	started  bool
	closed   atomic.Bool
	accepted atomic.Uint64
}

// Stats is a snapshot of the accept side and the worker pool.
type Stats struct {
	Accepted      uint64 `json:"accepted"`
	Served        uint64 `json:"served"`
	QueueLength   int    `json:"queue_length"`
	QueueCapacity int    `json:"queue_capacity"`
	Workers       int    `json:"workers"`
	BusyWorkers   int    `json:"busy_workers"`
}

func NewServer(h ConnHandler, workers, queueCapacity int) *Server {
	q := queue.New[net.Conn](queueCapacity)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		queue:  q,
		pool:   NewPool(workers, q, h),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Serve accepts connections from ln and queues them for the workers. It
// always returns a non-nil error; after Close or Shutdown it is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("proxy: server already serving")
	}
	s.started = true
	s.listener = ln
	s.pool.Start(s.ctx)
	s.mu.Unlock()

	slog.Info("proxy listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			if isTemporaryAcceptError(err) {
				backoff = nextBackoff(backoff)
				slog.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			slog.Error("accept failed", "error", err)
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.accepted.Add(1)

		if err := s.queue.Insert(conn); err != nil {
			conn.Close()
			return ErrServerClosed
		}
	}
}

// isTemporaryAcceptError reports whether an accept failure is worth
// retrying: descriptor exhaustion, a connection reset before it was
// accepted, or a timeout.
func isTemporaryAcceptError(err error) bool {
	switch {
	case errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ENOBUFS),
		errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// stopAccepting closes the listener and the queue. Queued connections are
// still served.
func (s *Server) stopAccepting() (started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.queue.Close()
	return s.started
}

// Shutdown stops accepting and waits for in-flight and queued connections to
// finish. If ctx ends first, outstanding origin reads are aborted and
// ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.stopAccepting() {
		s.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Close stops accepting and aborts in-flight origin reads without waiting.
func (s *Server) Close() error {
	s.stopAccepting()
	s.cancel()
	return nil
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:      s.accepted.Load(),
		Served:        s.pool.Served(),
		QueueLength:   s.queue.Len(),
		QueueCapacity: s.queue.Cap(),
		Workers:       s.pool.Size(),
		BusyWorkers:   s.pool.Busy(),
	}
}
