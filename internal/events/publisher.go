package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const streamName = "PROXY"

// Publisher sends proxy events to NATS JetStream. Publishing is asynchronous
// so a slow or absent broker never holds up a request worker.
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewPublisher(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc,
		jetstream.WithPublishAsyncMaxPending(1024),
		jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, msg *nats.Msg, err error) {
			slog.Warn("async publish failed", "subject", msg.Subject, "error", err)
		}),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"proxy.>"},
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   1000000,
		MaxBytes:  256 * 1024 * 1024,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		slog.Warn("failed to create PROXY stream (may already exist)", "error", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

func (p *Publisher) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal event", "subject", e.Subject(), "error", err)
		return
	}
	if _, err := p.js.PublishAsync(e.Subject(), data); err != nil {
		slog.Warn("failed to publish event", "subject", e.Subject(), "error", err)
		return
	}
	slog.Debug("published event", "subject", e.Subject())
}

// Close waits briefly for in-flight publishes and disconnects.
func (p *Publisher) Close() error {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(5 * time.Second):
		slog.Warn("timed out waiting for pending event publishes")
	}
	p.nc.Close()
	return nil
}
