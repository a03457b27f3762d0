package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/jonathan/meeting-coach/internal/types"
)

// NATSConfig configures the JetStream transport
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
	Durable string
	// AckWait is how long a delivery may stay unacknowledged before
	// JetStream redelivers it; it must outlast one job
	AckWait    time.Duration
	MaxDeliver int
}

// Default JetStream settings
const (
	DefaultStream     = "COACHING"
	DefaultDurable    = "coach-engine"
	DefaultAckWait    = 3 * time.Minute
	DefaultMaxDeliver = 10
)

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	return c
}

// NATSQueue publishes and consumes jobs on a JetStream work-queue stream.
// Workers sharing the durable name compete for messages.
type NATSQueue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    NATSConfig
	logger *zap.Logger
}

// NewNATSQueue connects to NATS and ensures the stream exists
func NewNATSQueue(ctx context.Context, cfg NATSConfig, logger *zap.Logger) (*NATSQueue, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(sctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	return &NATSQueue{nc: nc, js: js, cfg: cfg, logger: logger.Named("queue")}, nil
}

// Publish sends job to the stream
func (q *NATSQueue) Publish(ctx context.Context, job types.Job) error {
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, q.cfg.Subject, data); err != nil {
		return fmt.Errorf("failed to publish job to subject %s: %w", q.cfg.Subject, err)
	}
	return nil
}

// Messages starts consuming through the durable consumer
func (q *NATSQueue) Messages(ctx context.Context) (<-chan Message, error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       q.cfg.Durable,
		FilterSubject: q.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan Message)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		attempt := 0
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		m := NewMessage(msg.Subject(), msg.Data(), attempt,
			func() { q.settle("ack", msg.Ack()) },
			func() { q.settle("nak", msg.Nak()) })
		select {
		case out <- m:
		case <-ctx.Done():
			q.settle("nak", msg.Nak())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
		<-cc.Closed()
		close(out)
	}()

	q.logger.Info("consuming jobs",
		zap.String("stream", q.cfg.Stream),
		zap.String("subject", q.cfg.Subject),
		zap.String("durable", q.cfg.Durable))
	return out, nil
}

func (q *NATSQueue) settle(op string, err error) {
	if err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		q.logger.Warn("failed to settle message", zap.String("op", op), zap.Error(err))
	}
}

// Close drains and closes the connection
func (q *NATSQueue) Close() error {
	if q.nc == nil {
		return nil
	}
	return q.nc.Drain()
}
