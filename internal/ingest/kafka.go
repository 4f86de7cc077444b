package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"chainguard/internal/config"
	"chainguard/internal/errs"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// rateLimitRetry is how long the consumer waits before handing a
// rate-limited message in again.
var rateLimitRetry = 30 * time.Second

// StartKafka consumes analysis submissions until ctx ends. An offset is
// committed once its message is handled. A rate-limited message holds the
// partition and is retried until the analyzer quota admits it; any other
// rejection is logged and committed.
func StartKafka(ctx context.Context, cfg *config.Manager, h *Handler, logger *slog.Logger) error {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return nil
	}
	src, err := NewSource("kafka", current.Analyzer)
	if err != nil {
		return err
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic,
			"group_id", current.GroupID, "analyzer", src.Analyzer.Hex())
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go consume(ctx, reader, h, src, logger)
	return nil
}

func consume(ctx context.Context, reader messageReader, h *Handler, src Source, logger *slog.Logger) {
	defer reader.Close()
	backoff := 200 * time.Millisecond
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, 10*time.Second)
			continue
		}
		backoff = 200 * time.Millisecond
		for {
			_, err := h.Handle(ctx, src, m.Value)
			if !errors.Is(err, errs.ErrRateLimited) {
				break
			}
			if !BackoffSleep(ctx, rateLimitRetry) {
				return
			}
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka commit error", "offset", m.Offset, "partition", m.Partition, "err", err)
			}
		}
	}
}
