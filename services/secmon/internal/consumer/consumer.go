// Package consumer feeds security events from Kafka into the security monitor.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/monitor"
)

// Processor handles one decoded event.
type Processor interface {
	ProcessEvent(ctx context.Context, ev event.SecurityEvent) (*monitor.Outcome, error)
}

// Config holds consumer settings.
type Config struct {
	Brokers        []string
	ConsumerGroup  string
	Topic          string
	OffsetReset    string // "earliest" or "latest"
	MaxPollRecords int
	Workers        int
}

// DefaultConfig returns default consumer settings.
func DefaultConfig() Config {
	return Config{
		ConsumerGroup:  "secmon",
		Topic:          "security.events",
		OffsetReset:    "latest",
		MaxPollRecords: 500,
		Workers:        1,
	}
}

// Metrics holds consumer counters.
type Metrics struct {
	EventsConsumed   uint64 `json:"events_consumed"`
	EventsProcessed  uint64 `json:"events_processed"`
	Indicators       uint64 `json:"indicators"`
	ParseErrors      uint64 `json:"parse_errors"`
	ProcessErrors    uint64 `json:"process_errors"`
	ProcessingTimeNs uint64 `json:"processing_time_ns"`
}

// Consumer polls the events topic and processes each record.
type Consumer struct {
	cfg       Config
	client    *kgo.Client
	processor Processor
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	eventsConsumed   atomic.Uint64
	eventsProcessed  atomic.Uint64
	indicators       atomic.Uint64
	parseErrors      atomic.Uint64
	processErrors    atomic.Uint64
	processingTimeNs atomic.Uint64
}

// New creates a consumer. Start connects it.
func New(cfg Config, processor Processor, logger *slog.Logger) *Consumer {
	def := DefaultConfig()
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = def.ConsumerGroup
	}
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = def.MaxPollRecords
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:       cfg,
		processor: processor,
		logger:    logger.With("component", "kafka-consumer"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start creates the Kafka client and starts the poll loop.
func (c *Consumer) Start() error {
	if len(c.cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	client, err := kgo.NewClient(c.options()...)
	if err != nil {
		return fmt.Errorf("failed to create consumer client: %w", err)
	}
	c.client = client

	c.logger.Info("kafka consumer started",
		"brokers", c.cfg.Brokers,
		"topic", c.cfg.Topic,
		"consumer_group", c.cfg.ConsumerGroup,
		"workers", c.cfg.Workers)

	c.wg.Add(1)
	go c.poll()
	return nil
}

// Stop stops polling and closes the client.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping kafka consumer")
	c.cancel()
	c.wg.Wait()

	if c.client != nil {
		c.client.Close()
	}

	c.logger.Info("kafka consumer stopped",
		"events_consumed", c.eventsConsumed.Load(),
		"events_processed", c.eventsProcessed.Load(),
		"process_errors", c.processErrors.Load())
	return nil
}

func (c *Consumer) options() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ConsumerGroup(c.cfg.ConsumerGroup),
		kgo.ConsumeTopics(c.cfg.Topic),
		kgo.FetchMaxWait(500 * time.Millisecond),
		kgo.DisableAutoCommit(),
	}
	if c.cfg.OffsetReset == "earliest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	return opts
}

func (c *Consumer) poll() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollRecords(c.ctx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			c.eventsConsumed.Add(1)
			records = append(records, r)
		})
		c.processBatch(c.ctx, records)

		if err := c.client.CommitUncommittedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", "error", err)
		}
	}
}

// processBatch fans records out to the workers. Records sharing a key stay
// on one worker so per-actor counters see them in order.
func (c *Consumer) processBatch(ctx context.Context, records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	if c.cfg.Workers == 1 {
		for _, r := range records {
			c.handleRecord(ctx, r)
		}
		return
	}

	lanes := make([][]*kgo.Record, c.cfg.Workers)
	for _, r := range records {
		i := int(r.Partition) % c.cfg.Workers
		if len(r.Key) > 0 {
			h := fnv.New32a()
			h.Write(r.Key)
			i = int(h.Sum32() % uint32(c.cfg.Workers))
		}
		lanes[i] = append(lanes[i], r)
	}

	var wg sync.WaitGroup
	for _, lane := range lanes {
		if len(lane) == 0 {
			continue
		}
		wg.Add(1)
		go func(lane []*kgo.Record) {
			defer wg.Done()
			for _, r := range lane {
				c.handleRecord(ctx, r)
			}
		}(lane)
	}
	wg.Wait()
}

func (c *Consumer) handleRecord(ctx context.Context, r *kgo.Record) {
	start := time.Now()
	defer func() {
		c.processingTimeNs.Add(uint64(time.Since(start).Nanoseconds()))
	}()

	ev, err := decode(r.Value)
	if err != nil {
		c.parseErrors.Add(1)
		c.logger.Warn("failed to parse event",
			"error", err,
			"offset", r.Offset,
			"partition", r.Partition)
		return
	}

	out, err := c.processor.ProcessEvent(ctx, ev)
	if err != nil {
		c.processErrors.Add(1)
		c.logger.Error("failed to process event",
			"event_type", ev.Type,
			"offset", r.Offset,
			"partition", r.Partition,
			"error", err)
		return
	}
	c.eventsProcessed.Add(1)
	if out != nil && out.Indicator != nil {
		c.indicators.Add(1)
		c.logger.Debug("threat indicator raised",
			"indicator_id", out.Indicator.ID,
			"category", out.Indicator.Category,
			"level", out.Indicator.Level)
	}
}

func decode(data []byte) (event.SecurityEvent, error) {
	var ev event.SecurityEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

// Stats returns consumer statistics.
func (c *Consumer) Stats() Metrics {
	return Metrics{
		EventsConsumed:   c.eventsConsumed.Load(),
		EventsProcessed:  c.eventsProcessed.Load(),
		Indicators:       c.indicators.Load(),
		ParseErrors:      c.parseErrors.Load(),
		ProcessErrors:    c.processErrors.Load(),
		ProcessingTimeNs: c.processingTimeNs.Load(),
	}
}
