package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/models"
)

// FingerprintStreamClient publishes fingerprint sightings to a Redis stream
// and feeds them to the background pattern-scan workers through a consumer
// group. Per-event detection in the ingress is scoped to the event's own
// user/IP; the stream guarantees every record is also evaluated in a full
// cross-user scan.
type FingerprintStreamClient struct {
	client           *redis.Client
	streamName       string
	consumerGroup    string
	deadLetterStream string
	maxRetries       int
}

// NewFingerprintStreamClient creates a new fingerprint stream client
func NewFingerprintStreamClient(cfg configs.RedisConfig, deadLetterStream string) (*FingerprintStreamClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	fsc := &FingerprintStreamClient{
		client:           client,
		streamName:       cfg.StreamName,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: deadLetterStream,
		maxRetries:       cfg.MaxRetries,
	}

	if err := fsc.createConsumerGroup(ctx); err != nil {
		log.Warn().Err(err).Msg("Consumer group may already exist")
	}

	log.Info().Str("stream", cfg.StreamName).Msg("Fingerprint stream client initialized")
	return fsc, nil
}

func (r *FingerprintStreamClient) createConsumerGroup(ctx context.Context) error {
	// MKSTREAM creates the stream if it doesn't exist
	err := r.client.XGroupCreateMkStream(ctx, r.streamName, r.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Publish appends a fingerprint event to the stream
func (r *FingerprintStreamClient) Publish(ctx context.Context, event *models.FingerprintEvent) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName,
		Values: map[string]interface{}{
			"data": string(eventJSON),
		},
	}).Result()

	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("user_id", event.UserID).
		Msg("Fingerprint event published to stream")

	return msgID, nil
}

// StreamMessage pairs a stream entry id with its decoded event
type StreamMessage struct {
	ID    string
	Event *models.FingerprintEvent
}

// Consume reads fingerprint events for one consumer, claiming abandoned
// pending entries first
func (r *FingerprintStreamClient) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	pendingMessages, err := r.claimPendingMessages(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim pending messages")
	}

	if len(pendingMessages) > 0 {
		return pendingMessages, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{r.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, err := r.parseMessage(msg)
			if err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse message")
				continue
			}
			messages = append(messages, StreamMessage{ID: msg.ID, Event: event})
		}
	}

	return messages, nil
}

// claimPendingMessages claims entries pending longer than 30 seconds
func (r *FingerprintStreamClient) claimPendingMessages(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
	minIdleTime := 30 * time.Second

	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.streamName,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()

	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		return nil, nil
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdleTime {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.streamName,
		Group:    r.consumerGroup,
		Consumer: consumerName,
		MinIdle:  minIdleTime,
		Messages: ids,
	}).Result()

	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range claimed {
		event, err := r.parseMessage(msg)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse claimed message")
			continue
		}
		messages = append(messages, StreamMessage{ID: msg.ID, Event: event})
	}
	return messages, nil
}

func (r *FingerprintStreamClient) parseMessage(msg redis.XMessage) (*models.FingerprintEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no data field", msg.ID)
	}

	var event models.FingerprintEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

// Acknowledge marks one entry as processed
func (r *FingerprintStreamClient) Acknowledge(ctx context.Context, messageID string) error {
	return r.client.XAck(ctx, r.streamName, r.consumerGroup, messageID).Err()
}

// AcknowledgeBatch marks a batch of entries as processed
func (r *FingerprintStreamClient) AcknowledgeBatch(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return r.client.XAck(ctx, r.streamName, r.consumerGroup, messageIDs...).Err()
}

// SendToDeadLetter parks an event whose retry budget is exhausted
func (r *FingerprintStreamClient) SendToDeadLetter(ctx context.Context, event *models.FingerprintEvent, cause error) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":  string(eventJSON),
			"error": cause.Error(),
		},
	}).Result()

	if err == nil {
		log.Warn().
			Str("user_id", event.UserID).
			Str("cause", cause.Error()).
			Msg("Fingerprint event sent to dead letter stream")
	}
	return err
}

// GetPendingCount returns the number of unacknowledged entries
func (r *FingerprintStreamClient) GetPendingCount(ctx context.Context) (int64, error) {
	pending, err := r.client.XPending(ctx, r.streamName, r.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// Close closes the underlying Redis connection
func (r *FingerprintStreamClient) Close() error {
	return r.client.Close()
}
