package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/lender-pool/internal/model"
)

const (
	// StreamName is the JetStream stream holding pool events.
	StreamName = "LENDER_POOL_EVENTS"

	subjectPrefix = "lender.pool.events"
)

// Subject returns the subject an event of kind is published on.
func Subject(kind model.EventKind) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, kind)
}

// NATSPublisher publishes committed events to JetStream. Publish only
// queues; Run does the network I/O so the pool never waits on NATS.
type NATSPublisher struct {
	js    jetstream.JetStream
	queue chan model.Event
}

// NewNATSPublisher creates a publisher with a bounded queue.
func NewNATSPublisher(js jetstream.JetStream, buffer int) *NATSPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{js: js, queue: make(chan model.Event, buffer)}
}

// Publish queues e, dropping it if the queue is full.
func (p *NATSPublisher) Publish(e model.Event) {
	select {
	case p.queue <- e:
	default:
		slog.Warn("nats queue full, event dropped", "id", e.ID, "kind", e.Kind)
	}
}

// Run drains the queue until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-p.queue:
			if err := p.publish(ctx, e); err != nil {
				// Non-fatal: consumers can fall back to GET /api/v1/events.
				slog.Warn("nats publish failed", "id", e.ID, "kind", e.Kind, "err", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, e model.Event) error {
	data, err := json.Marshal(NewMessage(e))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Event ID as message ID lets JetStream deduplicate retries.
	_, err = p.js.Publish(ctx, Subject(e.Kind), data, jetstream.WithMsgID(e.ID))
	return err
}

// EnsureStream creates or updates the events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	slog.Info("ensured events stream", "stream", StreamName)
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("lender-pool"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
