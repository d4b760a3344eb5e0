package layerevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/core/observability"
	"github.com/mohammed-shakir/geoportal/internal/logger"
)

type ConsumerConfig struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	DedupeSize          int
}

// Handler is satisfied by publish.Notifier and catalog.Catalog.
type Handler interface {
	LayerChanged(ctx context.Context, c model.LayerChange) error
}

type Consumer struct {
	cfg    ConsumerConfig
	logger *slog.Logger
	h      Handler
	seen   *dedupe
}

func NewConsumer(cfg ConsumerConfig, logger *slog.Logger, h Handler) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, logger: logger, h: h, seen: newDedupe(cfg.DedupeSize)}
}

// Start consumes until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.h == nil {
		return errors.New("layerevents: consumer has no handler")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	if c.cfg.SessionTimeout > 0 {
		cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	}
	if c.cfg.Heartbeat > 0 {
		cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	}
	if c.cfg.RebalanceTimeout > 0 {
		cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	}
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("layerevents: create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}
	c.logger.Info("layer event consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
			c.logger.Error("consumer error", "err", err)
		}
		select {
		case <-ctx.Done():
			c.logger.Info("layer event consumer shutting down")
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

// ProcessOne applies a single message. Undecodable or invalid events are
// logged and skipped so they cannot wedge the partition.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncLayerEvent("decode_error")
		c.logger.WarnContext(ctx, "skipping undecodable layer event",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.IncLayerEvent("invalid")
		c.logger.WarnContext(ctx, "skipping invalid layer event", "offset", msg.Offset, "err", err)
		return nil
	}
	if !c.seen.shouldApply(ev.Op+"|"+ev.Workspace+"|"+ev.Layer, uint64(ev.TS.UnixNano())) {
		observability.IncLayerEvent("duplicate")
		return nil
	}

	ctx = logger.WithLayer(logger.WithWorkspace(ctx, ev.Workspace), ev.Layer)
	if err := c.h.LayerChanged(ctx, ev.Change()); err != nil {
		c.seen.forget(ev.Op + "|" + ev.Workspace + "|" + ev.Layer)
		observability.IncLayerEvent("handler_error")
		return fmt.Errorf("apply layer event: %w", err)
	}
	observability.IncLayerEvent("applied")
	c.logger.DebugContext(ctx, "layer event applied", "op", ev.Op)
	return nil
}

type groupHandler struct {
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a message only after it was applied.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return fmt.Errorf("process failed (topic=%s, part=%d, off=%d): %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
		}
	}
}

type dedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newDedupe(size int) *dedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &dedupe{lru: c}
}

// shouldApply reports whether v is newer than the last version seen for key.
func (d *dedupe) shouldApply(key string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && v <= last {
		return false
	}
	d.lru.Add(key, v)
	return true
}

func (d *dedupe) forget(key string) {
	d.mu.Lock()
	d.lru.Remove(key)
	d.mu.Unlock()
}
