package proxy

import (
	"context"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"eddisonso.com/edd-proxy/internal/queue"
)

// ConnHandler serves a single connection.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// Pool is a fixed set of workers draining the connection queue.
type Pool struct {
	size    int
	queue   *queue.Queue[net.Conn]
	handler ConnHandler

	wg     sync.WaitGroup
	busy   atomic.Int64
	served atomic.Uint64
}

func NewPool(size int, q *queue.Queue[net.Conn], h ConnHandler) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, queue: q, handler: h}
}

// Start launches the workers. They run until the queue is closed and drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	slog.Info("worker pool started", "workers", p.size)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		conn, ok := p.queue.Remove()
		if !ok {
			slog.Debug("worker exiting", "worker", id)
			return
		}
		p.serveOne(ctx, id, conn)
	}
}

func (p *Pool) serveOne(ctx context.Context, id int, conn net.Conn) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer p.served.Add(1)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while serving connection",
				"worker", id,
				"client", remoteAddr(conn),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	p.handler.Serve(ctx, conn)
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Busy returns how many workers are serving a connection right now.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Served returns how many connections have been handled.
func (p *Pool) Served() uint64 { return p.served.Load() }
