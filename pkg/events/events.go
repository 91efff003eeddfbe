// Package events carries fill confirmations over Redis pub/sub so that a
// waiting reconciliation loop can poll immediately instead of on its next tick.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is used when no channel is configured
const DefaultChannel = "visits.fill"

// EventFillCommitted is published after a detail record has been stored
const EventFillCommitted = "fill.committed"

// FillEvent is the message published on the channel
type FillEvent struct {
	ScheduleID string    `json:"scheduleId"`
	Event      string    `json:"event"`
	At         time.Time `json:"at"`
}

// Decode parses a channel payload
func Decode(payload string) (FillEvent, error) {
	var ev FillEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return FillEvent{}, fmt.Errorf("failed to decode fill event: %w", err)
	}
	if ev.ScheduleID == "" {
		return FillEvent{}, fmt.Errorf("fill event has no schedule id")
	}
	return ev, nil
}

// Publisher is the subset of the redis client used to publish
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// FillPublisher publishes fill commits to a Redis channel
type FillPublisher struct {
	client  Publisher
	channel string
	now     func() time.Time
}

// NewFillPublisher creates a publisher on channel (DefaultChannel if empty)
func NewFillPublisher(client Publisher, channel string) *FillPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &FillPublisher{client: client, channel: channel, now: time.Now}
}

// FillCommitted publishes that scheduleID's form has been stored
func (p *FillPublisher) FillCommitted(ctx context.Context, scheduleID string) error {
	payload, err := json.Marshal(FillEvent{ScheduleID: scheduleID, Event: EventFillCommitted, At: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode fill event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish fill event: %w", err)
	}
	return nil
}

// Subscribe streams the schedule ids of fill commits until ctx is done.
// Malformed messages are logged and skipped.
func Subscribe(ctx context.Context, client *redis.Client, channel string, logger *zap.Logger) (<-chan string, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so early publishes are not missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	ids := make(chan string)
	go func() {
		defer close(ids)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := Decode(msg.Payload)
				if err != nil {
					logger.Warn("Ignoring malformed fill event", zap.String("channel", channel), zap.Error(err))
					continue
				}
				if ev.Event != EventFillCommitted {
					continue
				}
				logger.Debug("Received fill event", zap.String("schedule_id", ev.ScheduleID))
				select {
				case ids <- ev.ScheduleID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ids, nil
}
