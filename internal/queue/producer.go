package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/trackgraph/internal/models"
)

const (
	BatchesStreamName  = "BATCHES"
	BatchesSubjectBase = "batches"
	EdgesStreamName    = "EDGES"
	EdgesSubjectBase   = "edges"
)

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func connect(natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Producer{nc: nc, js: js}, nil
}

// EnsureStreams creates JetStream streams if they don't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        BatchesStreamName,
			Subjects:    []string{BatchesSubjectBase + ".>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      24 * time.Hour,
			MaxMsgs:     1000000,
			MaxBytes:    4 * 1024 * 1024 * 1024, // 4GB
			Storage:     jetstream.FileStorage,
			Duplicates:  2 * time.Minute,
			Description: "Candidate pair batches for edge workers",
		},
		{
			Name:        EdgesStreamName,
			Subjects:    []string{EdgesSubjectBase + ".>"},
			Retention:   jetstream.InterestPolicy,
			MaxAge:      24 * time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Description: "Per-batch edge results",
		},
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		allOK := true
		for _, cfg := range streams {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err != nil {
				allOK = false
				if attempt == maxAttempts {
					return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
				}
				slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
				break
			}
			slog.Info("ensured NATS stream", "name", cfg.Name)
		}
		if allOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// BatchMsgID is the JetStream dedup id of a batch.
func BatchMsgID(task models.BatchTask) string {
	return fmt.Sprintf("%s-%d", task.JobID, task.Batch)
}

// PublishBatch enqueues one batch of candidate pairs.
func (p *Producer) PublishBatch(ctx context.Context, task models.BatchTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal batch task: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", BatchesSubjectBase, task.VideoID)
	_, err = p.js.Publish(ctx, subject, payload, jetstream.WithMsgID(BatchMsgID(task)))
	if err != nil {
		return fmt.Errorf("publish batch %d: %w", task.Batch, err)
	}
	return nil
}

// PublishResult publishes a processed batch summary.
func (p *Producer) PublishResult(ctx context.Context, res models.BatchResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal batch result: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", EdgesSubjectBase, res.VideoID)
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// QueueDepth returns the number of pending messages in the BATCHES stream.
func (p *Producer) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := p.js.Stream(ctx, BatchesStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

// IngestSubject carries ingest commands over core NATS (not JetStream).
// The ingestor subscribes to it.
const IngestSubject = "video.ingest"

// PublishIngest sends an ingest command to the ingestor.
func (p *Producer) PublishIngest(cmd models.IngestCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal ingest command: %w", err)
	}
	return p.nc.Publish(IngestSubject, payload)
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
