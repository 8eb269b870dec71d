package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/queue"
)

// =============================================================================
// Kafka CDC Analytics Pipeline
// =============================================================================
// This worker does NOT score events (the ingress and Redis worker handle
// that). It captures database changes on users and detected_anomalies for:
//   - Audit trail
//   - Real-time analytics aggregation for the dashboard
//   - Event replay
// =============================================================================

// DebeziumMessage represents a CDC event from Debezium
type DebeziumMessage struct {
	Before      json.RawMessage `json:"before"`
	After       json.RawMessage `json:"after"`
	Source      DebeziumSource  `json:"source"`
	Op          string          `json:"op"` // c=create, u=update, d=delete, r=read (snapshot)
	TsMs        int64           `json:"ts_ms"`
	Transaction json.RawMessage `json:"transaction"`
}

// DebeziumSource contains metadata about the change
type DebeziumSource struct {
	Version   string `json:"version"`
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Snapshot  string `json:"snapshot"`
	DB        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxID      int64  `json:"txId"`
	LSN       int64  `json:"lsn"`
}

// UserCDC is a users row as carried in CDC payloads
type UserCDC struct {
	ID            string      `json:"id"`
	BehaviorScore interface{} `json:"behavior_score"`
	WeeklyScore   interface{} `json:"weekly_score"`
	IsVerified    bool        `json:"is_verified"`
	CreatedAt     string      `json:"created_at"`
	LastUpdated   *string     `json:"last_updated"`
}

// AnomalyCDC is a detected_anomalies row as carried in CDC payloads
type AnomalyCDC struct {
	ID          string      `json:"id"`
	PatternName string      `json:"pattern_name"`
	Severity    string      `json:"severity"`
	RiskScore   interface{} `json:"risk_score"`
	Status      string      `json:"status"`
	DetectedAt  string      `json:"detected_at"`
}

// AnalyticsEvent represents a processed CDC event for analytics
type AnalyticsEvent struct {
	EventType    string                 `json:"event_type"`
	UserID       string                 `json:"user_id,omitempty"`
	AnomalyID    string                 `json:"anomaly_id,omitempty"`
	Pattern      string                 `json:"pattern,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Score        interface{}            `json:"score,omitempty"`
	PrevScore    interface{}            `json:"prev_score,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	CDCTimestamp int64                  `json:"cdc_timestamp_ms"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// RealTimeMetrics tracks live CDC throughput for the dashboard
type RealTimeMetrics struct {
	mu                  sync.RWMutex
	UsersCreated        int64
	ScoreUpdates        int64
	AnomaliesDetected   int64
	HighSeverityCount   int64
	PatternDistribution map[string]int64
	LastEventTime       time.Time
	EventsPerSecond     float64
	windowStart         time.Time
	windowCount         int64
}

func NewRealTimeMetrics() *RealTimeMetrics {
	return &RealTimeMetrics{
		PatternDistribution: make(map[string]int64),
		windowStart:         time.Now(),
	}
}

func (m *RealTimeMetrics) RecordEvent(event *AnalyticsEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LastEventTime = time.Now()
	m.windowCount++

	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		m.EventsPerSecond = float64(m.windowCount) / elapsed
	}

	// Reset window every minute
	if elapsed > 60 {
		m.windowStart = time.Now()
		m.windowCount = 0
	}

	switch event.EventType {
	case "user_created":
		m.UsersCreated++
	case "user_score_updated":
		m.ScoreUpdates++
	case "anomaly_detected":
		m.AnomaliesDetected++
		m.PatternDistribution[event.Pattern]++
		if event.Severity == "HIGH" {
			m.HighSeverityCount++
		}
	}
}

func (m *RealTimeMetrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"users_created":        m.UsersCreated,
		"score_updates":        m.ScoreUpdates,
		"anomalies_detected":   m.AnomaliesDetected,
		"high_severity_count":  m.HighSeverityCount,
		"pattern_distribution": m.PatternDistribution,
		"events_per_second":    m.EventsPerSecond,
		"last_event_time":      m.LastEventTime,
	}
}

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Msg("Starting Kafka CDC analytics pipeline")
	log.Info().Msg("Scoring is handled by the ingress and the Redis stream worker; this pipeline only aggregates change events")

	cfg := configs.Load()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	metrics := NewRealTimeMetrics()

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Kafka may come up after this process in compose environments
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	handler := &AnalyticsPipelineHandler{
		metrics:     metrics,
		cacheClient: cacheClient,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping analytics pipeline...")
		cancel()
	}()

	go handler.startMetricsReporter(ctx)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Strs("topics", cfg.Kafka.Topics).
		Str("group_id", cfg.Kafka.GroupID).
		Msg("Analytics pipeline started, consuming CDC events")

	for {
		if err := consumerGroup.Consume(ctx, cfg.Kafka.Topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down analytics pipeline")
			return
		}
	}
}

// AnalyticsPipelineHandler processes CDC events for analytics
type AnalyticsPipelineHandler struct {
	metrics     *RealTimeMetrics
	cacheClient *queue.CacheClient
}

func (h *AnalyticsPipelineHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Analytics pipeline session started")
	return nil
}

func (h *AnalyticsPipelineHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Analytics pipeline session ended")
	return nil
}

func (h *AnalyticsPipelineHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			h.processMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *AnalyticsPipelineHandler) processMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	var debeziumMsg DebeziumMessage
	if err := json.Unmarshal(message.Value, &debeziumMsg); err != nil {
		log.Error().Err(err).Msg("Failed to parse Debezium message")
		return
	}

	var event *AnalyticsEvent
	switch debeziumMsg.Source.Table {
	case "users":
		event = h.userEvent(&debeziumMsg)
	case "detected_anomalies":
		event = h.anomalyEvent(&debeziumMsg)
	default:
		return
	}
	if event == nil {
		return
	}

	h.metrics.RecordEvent(event)
	h.logEvent(event)
	h.storeAuditEvent(ctx, event)
}

func (h *AnalyticsPipelineHandler) userEvent(msg *DebeziumMessage) *AnalyticsEvent {
	var user UserCDC
	if msg.After == nil {
		return nil
	}
	if err := json.Unmarshal(msg.After, &user); err != nil {
		log.Error().Err(err).Msg("Failed to parse user from CDC payload")
		return nil
	}

	eventType := "user_snapshot"
	switch msg.Op {
	case "c":
		eventType = "user_created"
	case "u":
		eventType = "user_score_updated"
	case "d":
		eventType = "user_deleted"
	}

	event := &AnalyticsEvent{
		EventType:    eventType,
		UserID:       user.ID,
		Score:        user.BehaviorScore,
		Timestamp:    time.Now(),
		CDCTimestamp: msg.TsMs,
		Metadata: map[string]interface{}{
			"table": msg.Source.Table,
			"lsn":   msg.Source.LSN,
			"txId":  msg.Source.TxID,
		},
	}

	if msg.Before != nil {
		var prev UserCDC
		if err := json.Unmarshal(msg.Before, &prev); err == nil {
			event.PrevScore = prev.BehaviorScore
		}
	}

	return event
}

func (h *AnalyticsPipelineHandler) anomalyEvent(msg *DebeziumMessage) *AnalyticsEvent {
	if msg.Op != "c" || msg.After == nil {
		return nil
	}

	var anomaly AnomalyCDC
	if err := json.Unmarshal(msg.After, &anomaly); err != nil {
		log.Error().Err(err).Msg("Failed to parse anomaly from CDC payload")
		return nil
	}

	return &AnalyticsEvent{
		EventType:    "anomaly_detected",
		AnomalyID:    anomaly.ID,
		Pattern:      anomaly.PatternName,
		Severity:     anomaly.Severity,
		Score:        anomaly.RiskScore,
		Timestamp:    time.Now(),
		CDCTimestamp: msg.TsMs,
		Metadata: map[string]interface{}{
			"table": msg.Source.Table,
			"lsn":   msg.Source.LSN,
		},
	}
}

func (h *AnalyticsPipelineHandler) logEvent(event *AnalyticsEvent) {
	switch event.EventType {
	case "user_created":
		log.Info().
			Str("user_id", event.UserID).
			Msg("User captured")
	case "user_score_updated":
		log.Debug().
			Str("user_id", event.UserID).
			Interface("score", event.Score).
			Interface("prev_score", event.PrevScore).
			Msg("Score change captured")
	case "anomaly_detected":
		log.Info().
			Str("pattern", event.Pattern).
			Str("severity", event.Severity).
			Msg("Anomaly captured")
	}
}

func (h *AnalyticsPipelineHandler) storeAuditEvent(ctx context.Context, event *AnalyticsEvent) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return
	}

	// Recent events ring for the dashboard
	key := "analytics:recent_events"
	if err := h.cacheClient.LPush(ctx, key, string(eventJSON)); err != nil {
		log.Debug().Err(err).Msg("Failed to push analytics event")
		return
	}
	_ = h.cacheClient.LTrim(ctx, key, 0, 999)
}

func (h *AnalyticsPipelineHandler) startMetricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := h.metrics.GetSnapshot()
			log.Info().
				Int64("users_created", snapshot["users_created"].(int64)).
				Int64("score_updates", snapshot["score_updates"].(int64)).
				Int64("anomalies", snapshot["anomalies_detected"].(int64)).
				Float64("events_per_sec", snapshot["events_per_second"].(float64)).
				Msg("Analytics pipeline metrics")

			// Publish for the dashboard's summary block
			if err := h.cacheClient.Set(ctx, "analytics:metrics", snapshot, 5*time.Minute); err != nil {
				log.Debug().Err(err).Msg("Failed to publish analytics metrics")
			}

		case <-ctx.Done():
			return
		}
	}
}
