package queue

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/jonathan/meeting-coach/internal/types"
)

// ChannelQueue is an in-process queue on a watermill go channel. Messages
// published before a subscriber attaches are kept and delivered to it.
// A subscriber receives its next message only after the previous one was
// acked or nacked, so a ChannelQueue feeds one job at a time.
type ChannelQueue struct {
	pubSub *gochannel.GoChannel
	topic  string
}

// NewChannelQueue creates an in-process queue on topic
func NewChannelQueue(topic string, logger watermill.LoggerAdapter) *ChannelQueue {
	if topic == "" {
		topic = DefaultSubject
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &ChannelQueue{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
			Persistent:          true,
		}, logger),
		topic: topic,
	}
}

// Publish enqueues job
func (q *ChannelQueue) Publish(_ context.Context, job types.Job) error {
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	if err := q.pubSub.Publish(q.topic, message.NewMessage(watermill.NewUUID(), data)); err != nil {
		return fmt.Errorf("failed to publish job to %s: %w", q.topic, err)
	}
	return nil
}

// Messages subscribes to the topic
func (q *ChannelQueue) Messages(ctx context.Context) (<-chan Message, error) {
	in, err := q.pubSub.Subscribe(ctx, q.topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", q.topic, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		attempts := map[string]int{}
		for msg := range in {
			attempts[msg.UUID]++
			m := NewMessage(msg.UUID, msg.Payload, attempts[msg.UUID],
				func() { msg.Ack() },
				func() { msg.Nack() })
			select {
			case out <- m:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the channel down; open subscriptions end
func (q *ChannelQueue) Close() error {
	return q.pubSub.Close()
}
