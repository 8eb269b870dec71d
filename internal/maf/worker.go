package maf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/queue"
)

// scanWindow is the snapshot depth for background pattern scans.
const scanWindow = 24 * time.Hour

// ScanWorker consumes the fingerprint stream and runs the full pattern bank
// over a database snapshot. The stream is a trigger, not the data source:
// each scan reads the last 24h of fingerprint_data, so records whose stream
// message was lost are still evaluated by the next triggered scan.
type ScanWorker struct {
	id      string
	flagger *Flagger
	store   FingerprintReader
	stream  *queue.FingerprintStreamClient
	config  configs.WorkerConfig

	wg      sync.WaitGroup
	stopCh  chan struct{}
	metrics *WorkerMetrics
}

// WorkerMetrics tracks scan worker throughput.
type WorkerMetrics struct {
	mu              sync.RWMutex
	ScansRun        int64
	MessagesHandled int64
	FailedCount     int64
	LastScanAt      time.Time
}

// NewScanWorker creates a scan worker.
func NewScanWorker(id string, flagger *Flagger, store FingerprintReader, stream *queue.FingerprintStreamClient, config configs.WorkerConfig) *ScanWorker {
	return &ScanWorker{
		id:      id,
		flagger: flagger,
		store:   store,
		stream:  stream,
		config:  config,
		stopCh:  make(chan struct{}),
		metrics: &WorkerMetrics{},
	}
}

// Start runs the consumer goroutines plus a slow periodic sweep, and blocks
// until Stop or context cancellation.
func (w *ScanWorker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting pattern scan worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.consumeLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}

	// Sweep independent of stream traffic, so a quiet stream still gets
	// periodic evaluation
	w.wg.Add(1)
	go w.sweepLoop(ctx)

	<-ctx.Done()
	return w.Stop()
}

// Stop drains the goroutines.
func (w *ScanWorker) Stop() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Pattern scan worker stopped")
	return nil
}

func (w *ScanWorker) consumeLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			w.consumeBatch(ctx, consumerName)
		}
	}
}

func (w *ScanWorker) consumeBatch(ctx context.Context, consumerName string) {
	messages, err := w.stream.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume fingerprint stream")
		time.Sleep(time.Second)
		return
	}

	if len(messages) == 0 {
		return
	}

	// One snapshot scan covers the whole batch
	if err := w.Scan(ctx); err != nil {
		log.Error().Err(err).Str("consumer", consumerName).Msg("Pattern scan failed")

		for _, msg := range messages {
			if msg.Event.RetryCount < w.config.RetryAttempts {
				msg.Event.RetryCount++
				if _, err := w.stream.Publish(ctx, msg.Event); err != nil {
					log.Error().Err(err).Msg("Failed to requeue fingerprint event")
				}
			} else {
				if err := w.stream.SendToDeadLetter(ctx, msg.Event, err); err != nil {
					log.Error().Err(err).Msg("Failed to send fingerprint event to dead letter stream")
				}
			}
		}

		w.metrics.mu.Lock()
		w.metrics.FailedCount += int64(len(messages))
		w.metrics.mu.Unlock()
	}

	ackIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		ackIDs = append(ackIDs, msg.ID)
	}
	if err := w.stream.AcknowledgeBatch(ctx, ackIDs); err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge fingerprint messages")
	}

	w.metrics.mu.Lock()
	w.metrics.MessagesHandled += int64(len(messages))
	w.metrics.mu.Unlock()
}

func (w *ScanWorker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				log.Error().Err(err).Msg("Periodic pattern sweep failed")
			}
		}
	}
}

// Scan runs the pattern bank over a fresh 24h snapshot.
func (w *ScanWorker) Scan(ctx context.Context) error {
	now := time.Now().UTC()
	snapshot, err := w.store.GetWindow(ctx, now.Add(-scanWindow), now)
	if err != nil {
		return fmt.Errorf("failed to load fingerprint snapshot: %w", err)
	}

	anomalies := w.flagger.RunPatterns(ctx, snapshot, now)

	w.metrics.mu.Lock()
	w.metrics.ScansRun++
	w.metrics.LastScanAt = now
	w.metrics.mu.Unlock()

	log.Debug().
		Int("records", len(snapshot)).
		Int("anomalies", len(anomalies)).
		Msg("Pattern scan complete")

	return nil
}

// GetMetrics returns a copy of the worker metrics.
func (w *ScanWorker) GetMetrics() WorkerMetrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()
	return WorkerMetrics{
		ScansRun:        w.metrics.ScansRun,
		MessagesHandled: w.metrics.MessagesHandled,
		FailedCount:     w.metrics.FailedCount,
		LastScanAt:      w.metrics.LastScanAt,
	}
}
