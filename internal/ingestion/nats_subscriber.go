package ingestion

import (
	"context"
	"fmt"
	"time"

	"EqualisLedger/internal/event"
	"EqualisLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes the command stream and feeds raw events to the
// core loop through eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumer  jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is a received but not yet decoded command.
type RawEvent struct {
	Subject   string
	EventType event.EventType // resolved from the subject when zero
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the core has processed the command
	NakFunc   func() // NAK on shutdown; the message is redelivered
	TermFunc  func() // give up on a message that can never parse
}

func (r RawEvent) Ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) Nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

func (r RawEvent) Term() {
	if r.TermFunc != nil {
		r.TermFunc()
	}
}

// ConsumerConfig names the durable consumer on the command stream.
type ConsumerConfig struct {
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
}

// DefaultConsumer uses explicit ACK, max_deliver=5, ack_wait=30s.
func DefaultConsumer() ConsumerConfig {
	return ConsumerConfig{Durable: "ledger-core", AckWait: 30 * time.Second, MaxDeliver: 5}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    observability.NewLogger("nats-ingest"),
	}
}

// Subscribe starts one durable consumer over every command subject. A
// single consumer keeps per-pool publish order intact.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg ConsumerConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: CommandSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		received := time.Now()
		t, _, err := ParseSubject(msg.Subject())
		if err != nil {
			ns.logger.Warn().Err(err).Msg("terminating unroutable message")
			_ = msg.Term()
			return
		}
		if ns.metrics != nil {
			if md, err := msg.Metadata(); err == nil {
				ns.metrics.NATSPullLatency.WithLabelValues(t.String()).Observe(received.Sub(md.Timestamp).Seconds())
			}
		}

		raw := RawEvent{
			Subject:   msg.Subject(),
			EventType: t,
			Data:      msg.Data(),
			Timestamp: received,
			AckFunc:   func() { _ = msg.Ack() },
			NakFunc:   func() { _ = msg.Nak() },
			TermFunc:  func() { _ = msg.Term() },
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Durable, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("subject", CommandSubject).Str("consumer", cfg.Durable).Msg("subscribed")
	return nil
}

// EnsureStreams creates the command stream if it doesn't exist. The stream
// uses FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("nats-ingest")
	cfg := jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	return nil
}

// Stop stops the consumer. Messages already queued stay unacked and are
// redelivered after ack_wait.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("equalis-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
