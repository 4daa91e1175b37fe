package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

// MaxDeliver is how many times JetStream delivers a batch task before
// dropping it.
const MaxDeliver = 3

// FinalDelivery reports whether msg will not be redelivered after a nak.
func FinalDelivery(msg jetstream.Msg) bool {
	md, err := msg.Metadata()
	if err != nil {
		return false
	}
	return md.NumDelivered >= MaxDeliver
}

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeBatches starts consuming batch tasks from the BATCHES stream.
// workerCount determines how many goroutines process messages concurrently.
// ackWait bounds how long one batch may run before redelivery.
func (c *Consumer) ConsumeBatches(ctx context.Context, consumerName string, handler MessageHandler, workerCount int, ackWait time.Duration) error {
	stream, err := c.js.Stream(ctx, BatchesStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", BatchesStreamName, err)
	}
	if ackWait <= 0 {
		ackWait = 10 * time.Minute
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    MaxDeliver,
		FilterSubject: BatchesSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount*2)

	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch batches error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			for msg := range msgCh {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process batch error", "worker", workerID, "error", err, "subject", msg.Subject())
					if err := msg.Nak(); err != nil {
						slog.Warn("nak batch", "worker", workerID, "error", err)
					}
				} else if err := msg.Ack(); err != nil {
					// The batch is recorded; a redelivery is skipped by the worker.
					slog.Warn("ack batch", "worker", workerID, "error", err)
				}
			}
		}(i)
	}

	slog.Info("batch consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// ConsumeResults starts consuming batch results (for API to broadcast via WebSocket).
func (c *Consumer) ConsumeResults(ctx context.Context, consumerName string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, EdgesStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", EdgesStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: EdgesSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process result error", "error", err)
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("result consumer started", "consumer", consumerName)
	return nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
