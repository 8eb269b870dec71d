package maf

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/models"
)

type failingWindowStore struct{}

func (failingWindowStore) GetWindow(ctx context.Context, since, until time.Time) ([]*models.FingerprintRecord, error) {
	return nil, errors.New("connection refused")
}

func (failingWindowStore) GetRecentByUser(ctx context.Context, userID string, since time.Time) ([]*models.FingerprintRecord, error) {
	return nil, nil
}

func (failingWindowStore) GetRecentByIP(ctx context.Context, ip string, since time.Time) ([]*models.FingerprintRecord, error) {
	return nil, nil
}

func TestScanRunsPatternBankOverSnapshot(t *testing.T) {
	now := time.Now().UTC()
	var records []*models.FingerprintRecord
	for i := 0; i < 6; i++ {
		records = append(records, signupRecord(fmt.Sprintf("user-%d", i), "10.0.0.1", now.Add(-time.Minute)))
	}

	writer := &fakeAnomalies{}
	store := &fakeFingerprints{byIP: records}
	w := NewScanWorker("test-worker", NewFlagger(store, writer), store, nil, configs.WorkerConfig{})

	require.NoError(t, w.Scan(context.Background()))

	require.Len(t, writer.created, 1)
	assert.Equal(t, models.PatternSameIPSignups, writer.created[0].PatternName)

	metrics := w.GetMetrics()
	assert.Equal(t, int64(1), metrics.ScansRun)
	assert.False(t, metrics.LastScanAt.IsZero())
}

func TestScanPropagatesSnapshotFailure(t *testing.T) {
	store := failingWindowStore{}
	w := NewScanWorker("test-worker", NewFlagger(store, &fakeAnomalies{}), store, nil, configs.WorkerConfig{})

	err := w.Scan(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint snapshot")
	assert.Equal(t, int64(0), w.GetMetrics().ScansRun)
}
