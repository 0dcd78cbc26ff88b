// Package events bridges order status changes between the gateway and other
// backend services over Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusbite/ordersync/internal/order"
	"github.com/campusbite/ordersync/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StatusChange is the record value on the order-status topic. The stored
// order stays authoritative; consumers refetch it.
type StatusChange struct {
	OrderID string       `json:"order_id"`
	Status  order.Status `json:"status"`
	Source  string       `json:"source"`
	At      time.Time    `json:"at"`
}

// Producer is the part of *kgo.Client the publisher uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type Publisher struct {
	client Producer
	topic  string
	source string
}

// NewPublisher connects a producer for topic. source tags every record so
// the gateway's own consumer can skip it.
func NewPublisher(brokers []string, topic, source string) (*Publisher, *kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProduceRequestTimeout(10*time.Second),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ClientID(source),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka producer: %w", err)
	}
	return NewPublisherWithClient(client, topic, source), client, nil
}

func NewPublisherWithClient(client Producer, topic, source string) *Publisher {
	return &Publisher{client: client, topic: topic, source: source}
}

// PublishStatus writes the order's current status, keyed by order ID so
// changes of one order stay in one partition.
func (p *Publisher) PublishStatus(ctx context.Context, o *order.Order) error {
	ctx, span := tracing.Start(ctx, "PublishStatus", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.String("kafka.topic", p.topic), attribute.String("order.id", o.ID))

	data, err := json.Marshal(StatusChange{
		OrderID: o.ID,
		Status:  o.Status,
		Source:  p.source,
		At:      time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	record := &kgo.Record{
		Topic:   p.topic,
		Key:     []byte(o.ID),
		Value:   data,
		Headers: tracing.InjectKafka(ctx),
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("produce status of %s: %w", o.ID, err)
	}
	return nil
}

// Relayer pushes an externally changed order to dashboards.
type Relayer interface {
	Relay(ctx context.Context, id string) error
}

type Consumer struct {
	client  *kgo.Client
	relayer Relayer
	source  string
	log     *slog.Logger
}

func NewConsumer(brokers []string, topic, group, source string, relayer Relayer, log *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.BlockRebalanceOnPoll(),
		kgo.ClientID(source),
	)
	if err != nil {
		return nil, fmt.Errorf("init kafka consumer: %w", err)
	}
	return &Consumer{
		client:  client,
		relayer: relayer,
		source:  source,
		log:     log.With("component", "kafka-consumer", "topic", topic),
	}, nil
}

// Run polls until ctx is done or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("topic listening started")
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.log.Error("fetch failed", "partition", partition, "error", err)
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			c.handle(ctx, iter.Next())
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) Close() {
	c.client.Close()
}

func (c *Consumer) handle(ctx context.Context, record *kgo.Record) {
	links := tracing.ExtractKafka(ctx, record.Headers)
	ctx, span := tracing.Start(ctx, "relay order status",
		trace.WithSpanKind(trace.SpanKindConsumer), trace.WithLinks(links...))
	defer span.End()

	var change StatusChange
	if err := json.Unmarshal(record.Value, &change); err != nil {
		span.RecordError(err)
		c.log.Warn("malformed status record", "offset", record.Offset, "error", err)
		return
	}
	if change.Source == c.source {
		return
	}
	if change.OrderID == "" || !change.Status.Valid() {
		c.log.Warn("invalid status record", "offset", record.Offset, "order_id", change.OrderID, "status", string(change.Status))
		return
	}

	span.SetAttributes(attribute.String("order.id", change.OrderID))
	if err := c.relayer.Relay(ctx, change.OrderID); err != nil {
		span.RecordError(err)
		c.log.Error("relay status change", "order_id", change.OrderID, "error", err)
	}
}
