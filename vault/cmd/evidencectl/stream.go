package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casevault/evidence/vault/internal/custody"
)

var timeNow = time.Now

func newStreamCmd() *cobra.Command {
	var (
		once     bool
		batch    int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Deliver custody entries to Kafka and the archive bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.openStore(ctx); err != nil {
					return err
				}
				var producer custody.Producer
				if len(a.cfg.KafkaBrokers) > 0 {
					p, err := custody.NewKafkaProducer(custody.KafkaProducerConfig{
						Brokers: a.cfg.KafkaBrokers,
						Topic:   a.cfg.KafkaTopic,
					})
					if err != nil {
						return err
					}
					producer = p
				}
				var archiver custody.Archiver
				if a.cfg.ArchiveBucket != "" {
					s3a, err := custody.NewS3Archiver(ctx, a.cfg.ArchiveBucket, a.cfg.ArchivePrefix)
					if err != nil {
						return err
					}
					archiver = s3a
				}
				if producer == nil && archiver == nil {
					return fmt.Errorf("stream: set KAFKA_BROKERS or ARCHIVE_BUCKET")
				}

				s, err := custody.NewStreamer(a.store, producer, archiver, custody.StreamerConfig{
					BatchSize:      batch,
					PollInterval:   interval,
					MaxConcurrency: a.cfg.IngestConcurrent,
				}, a.log, a.metrics)
				if err != nil {
					return err
				}
				if once {
					if producer != nil {
						defer producer.Close()
					}
					n, err := s.RunOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d\n", n)
					return nil
				}
				a.log.Info("custody streamer running", zap.Strings("brokers", a.cfg.KafkaBrokers), zap.String("archive_bucket", a.cfg.ArchiveBucket))
				if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch and exit")
	cmd.Flags().IntVar(&batch, "batch", 10, "outbox rows claimed per poll")
	cmd.Flags().DurationVar(&interval, "interval", 3*time.Second, "poll interval when the outbox is empty")
	return cmd
}
