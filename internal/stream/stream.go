// Package stream fans derived alerts out over a Redis stream
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"symptomtracker/internal/logger"
	"symptomtracker/internal/metrics"
	"symptomtracker/internal/models"
)

// Approximate cap on stream length so it cannot grow without bound
const defaultMaxLen = 10000

// Encode builds the stream entry for an alert
func Encode(a models.Alert) (map[string]interface{}, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize alert %s: %w", a.ID, err)
	}
	return map[string]interface{}{
		"data":       string(data),
		"subject_id": a.SubjectID,
		"level":      string(a.Level),
	}, nil
}

// Decode reads an alert back from a stream entry
func Decode(values map[string]interface{}) (models.Alert, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return models.Alert{}, errors.New("message has no 'data' field")
	}
	var a models.Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return models.Alert{}, fmt.Errorf("failed to parse alert: %w", err)
	}
	return a, nil
}

// Publisher writes alerts to a Redis stream
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	log    *logger.Logger
}

// NewPublisher creates a publisher for stream
func NewPublisher(client *redis.Client, stream string, log *logger.Logger) *Publisher {
	return &Publisher{
		client: client,
		stream: stream,
		maxLen: defaultMaxLen,
		log:    log.Component("stream", "stream", stream),
	}
}

// PublishAlerts adds one entry per alert. Every alert is attempted; the first error is returned.
func (p *Publisher) PublishAlerts(ctx context.Context, alerts []models.Alert) error {
	var firstErr error
	for _, a := range alerts {
		err := p.publish(ctx, a)
		metrics.RecordPublish(err)
		if err != nil {
			p.log.Warn("failed to publish alert", "alert_id", a.ID, "subject_id", a.SubjectID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.log.Debug("published alert", "alert_id", a.ID, "level", a.Level)
	}
	return firstErr
}

func (p *Publisher) publish(ctx context.Context, a models.Alert) error {
	values, err := Encode(a)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

// Handler processes one alert read from the stream. Returning an error leaves the
// entry pending so it is redelivered.
type Handler func(ctx context.Context, a models.Alert) error

// Consumer reads alerts from a stream as a member of a consumer group
type Consumer struct {
	client *redis.Client
	stream string
	group  string
	name   string
	batch  int64
	block  time.Duration
	log    *logger.Logger

	retryDelay time.Duration
}

// NewConsumer creates a group consumer
func NewConsumer(client *redis.Client, stream, group, name string, log *logger.Logger) *Consumer {
	return &Consumer{
		client: client,
		stream: stream,
		group:  group,
		name:   name,
		batch:  10,
		block:  5 * time.Second,
		log:    log.Component("consumer", "stream", stream, "group", group, "consumer", name),

		retryDelay: time.Second,
	}
}

// EnsureGroup creates the consumer group (and the stream) if it does not exist
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Run reads and acknowledges entries until ctx is cancelled
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	c.log.Info("consumer started")

	for {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    c.batch,
			Block:    c.block,
		}).Result()

		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}
		if err != nil && err != redis.Nil {
			c.log.Error("error reading from stream", "error", err)
			select {
			case <-ctx.Done():
				c.log.Info("consumer stopped")
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				c.process(ctx, m, handle)
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, m redis.XMessage, handle Handler) {
	a, err := Decode(m.Values)
	if err != nil {
		// malformed entries can never succeed; ack so they are not redelivered
		c.log.Warn("dropping malformed entry", "id", m.ID, "error", err)
		c.ack(m.ID)
		return
	}

	if err := handle(ctx, a); err != nil {
		c.log.Warn("handler failed, leaving entry pending", "id", m.ID, "alert_id", a.ID, "error", err)
		return
	}
	c.ack(m.ID)
}

func (c *Consumer) ack(id string) {
	if err := c.client.XAck(context.Background(), c.stream, c.group, id).Err(); err != nil {
		c.log.Warn("failed to ack entry", "id", id, "error", err)
	}
}
