package layerevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/core/observability"
)

const DefaultQueueSize = 1024

// Publisher hands layer changes to an async producer without blocking the
// workflow. Events are keyed by workspace, so one workspace's changes stay
// ordered within a partition.
type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
	errDone chan struct{}
}

func NewPublisher(brokers []string, topic string, queueSize int, logger *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("layerevents: create async producer: %w", err)
	}
	return newPublisher(prod, topic, queueSize, logger), nil
}

func newPublisher(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     logger,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				observability.IncLayerEvent("marshal_error")
				p.log.Error("layerevents: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Workspace),
				Value: sarama.ByteEncoder(b),
			}
			observability.IncLayerEvent("sent")
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncLayerEvent("producer_error")
				p.log.Warn("layerevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// LayerChanged enqueues c. A full queue drops the event; the catalog cache
// still expires on its TTL.
func (p *Publisher) LayerChanged(_ context.Context, c model.LayerChange) error {
	select {
	case p.events <- FromChange(c):
	default:
		observability.IncLayerEvent("dropped")
		p.log.Warn("layerevents: queue full, event dropped", "workspace", c.Workspace, "layer", c.Layer)
	}
	return nil
}

// Close drains queued events and closes the producer. Not safe to call
// concurrently with LayerChanged.
func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("layerevents: close producer: %w", err)
	}
	return nil
}
