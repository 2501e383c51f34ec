package kafka

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// Consumer wraps a kgo client for one pipeline. The rib and events
// pipelines each get their own Consumer with a distinct group ID, so
// the topic is read twice at independent offsets.
type Consumer struct {
	name           string
	client         *kgo.Client
	commitInterval time.Duration
	logger         *zap.Logger
	joined         atomic.Bool
}

func NewConsumer(name string, brokers []string, groupID, topic, clientID string, fetchMaxBytes int32, commitIntervalMs int, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Consumer, error) {
	c := &Consumer{
		name:           name,
		commitInterval: time.Duration(commitIntervalMs) * time.Millisecond,
		logger:         logger,
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ClientID(clientID),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(true)
			logger.Info("partitions assigned", zap.String("consumer", name))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(false)
			logger.Info("partitions revoked", zap.String("consumer", name))
		}),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	c.client = client
	return c, nil
}

// Run fetches records and sends them to the records channel. Offsets
// are marked as batches come back on flushed and committed on an
// interval, so a crash replays at most commit_interval_ms of already
// written records. The commit goroutine runs until flushed closes,
// draining the final marks after the pipeline's shutdown flush;
// commitWg lets the caller wait for that last commit.
func (c *Consumer) Run(ctx context.Context, records chan<- []*kgo.Record, flushed <-chan []*kgo.Record, commitWg *sync.WaitGroup) {
	commitWg.Add(1)
	go func() {
		defer commitWg.Done()
		ticker := time.NewTicker(c.commitInterval)
		defer ticker.Stop()
		for {
			select {
			case recs, ok := <-flushed:
				if !ok {
					c.commitMarked()
					return
				}
				c.client.MarkCommitRecords(recs...)
			case <-ticker.C:
				c.commitMarked()
			}
		}
	}()

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Error("fetch error",
					zap.String("consumer", c.name),
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			batch = append(batch, r)
		})

		if len(batch) > 0 {
			select {
			case records <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

// commitMarked commits with its own deadline: the run context is
// already cancelled during the shutdown drain.
func (c *Consumer) commitMarked() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("commit offsets failed",
			zap.String("consumer", c.name),
			zap.Error(err),
		)
	}
}

// IsJoined reports whether the group rebalance has assigned this
// consumer its partitions. Readiness gates on it.
func (c *Consumer) IsJoined() bool {
	return c.joined.Load()
}

func (c *Consumer) Close() {
	c.client.Close()
}
