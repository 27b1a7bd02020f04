package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/epr"
	"github.com/epr-ch/vaccination/internal/infrastructure/redpanda"
)

func eventsCmd() *cobra.Command {
	var (
		groupID string
		latest  bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow document events and log them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			ccfg := redpanda.DefaultConsumerConfig()
			ccfg.Brokers = a.cfg.KafkaBrokers
			ccfg.Topics = []string{a.cfg.KafkaTopic}
			ccfg.GroupID = groupID
			if latest {
				ccfg.StartOffset = "latest"
			}

			consumer, err := redpanda.NewConsumer(ccfg, logDocumentEvent(a.logger), a.logger)
			if err != nil {
				return err
			}
			a.logger.Info("following document events",
				zap.String("topic", a.cfg.KafkaTopic), zap.String("group", groupID))
			err = consumer.Run(ctx)
			stats := consumer.Stats()
			a.logger.Info("stopped following document events",
				zap.Int64("read", stats.MessagesRead), zap.Int64("errors", stats.ErrorCount))
			return err
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "vacd-events", "consumer group")
	cmd.Flags().BoolVar(&latest, "latest", false, "start at the end of the topic for a new group")
	return cmd
}

// logDocumentEvent decodes each record as an epr.DocumentEvent and logs it.
// Undecodable records are logged and committed so they do not block the
// partition.
func logDocumentEvent(logger *zap.Logger) redpanda.MessageHandler {
	return func(_ context.Context, msg *redpanda.ConsumedMessage) error {
		var ev epr.DocumentEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Warn("skipping undecodable event",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(fmt.Errorf("decode document event: %w", err)))
			return nil
		}
		logger.Info("document event",
			zap.String("event_type", string(ev.EventType)),
			zap.String("document_id", ev.DocumentID),
			zap.String("kind", string(ev.Kind)),
			zap.String("replaces", ev.ReplacesDocumentID),
			zap.Strings("record_ids", ev.RecordIDs),
			zap.Time("timestamp", ev.Timestamp),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
		return nil
	}
}
