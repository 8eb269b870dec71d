package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeforge/trust-engine/internal/models"
)

type fakeJobLogs struct {
	mu      sync.Mutex
	entries []*models.JobLog
}

func (f *fakeJobLogs) CreateJobLog(ctx context.Context, entry *models.JobLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeJobLogs) snapshot() []*models.JobLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.JobLog(nil), f.entries...)
}

func TestFireSkipsWhileRunning(t *testing.T) {
	logs := &fakeJobLogs{}
	s := New(logs)

	started := make(chan struct{})
	release := make(chan struct{})
	job := Job{
		Name: "slow-job",
		Run: func(ctx context.Context) (models.JSONB, error) {
			close(started)
			<-release
			return nil, nil
		},
	}

	done := make(chan struct{})
	go func() {
		s.fire(context.Background(), job)
		close(done)
	}()
	<-started

	// A firing that lands while the first run is still going is skipped
	s.fire(context.Background(), job)

	entries := logs.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, models.JobStatusSkippedOverlap, entries[0].Status)
	assert.Equal(t, "slow-job", entries[0].JobName)

	close(release)
	<-done

	entries = logs.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, models.JobStatusSuccess, entries[1].Status)
}

func TestFireRecordsFailure(t *testing.T) {
	logs := &fakeJobLogs{}
	s := New(logs)

	s.fire(context.Background(), Job{
		Name: "broken-job",
		Run: func(ctx context.Context) (models.JSONB, error) {
			return models.JSONB{"partial": true}, assert.AnError
		},
	})

	entries := logs.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, models.JobStatusFailed, entries[0].Status)
	assert.Equal(t, assert.AnError.Error(), entries[0].Error)
	assert.Equal(t, true, entries[0].Metadata["partial"])
}

func TestDailyAt(t *testing.T) {
	next := DailyAt(0, 1)

	// Midday rolls to the next day
	after := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 1, 0, 0, time.UTC), next(after))

	// Just before the trigger fires the same day
	after = time.Date(2026, 8, 24, 0, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 1, 0, 0, time.UTC), next(after))

	// Exactly at the trigger schedules the next occurrence
	after = time.Date(2026, 8, 24, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 1, 0, 0, time.UTC), next(after))
}

func TestWeeklyAt(t *testing.T) {
	next := WeeklyAt(time.Monday, 0, 10)

	// 2026-08-24 is a Monday
	monday := time.Date(2026, 8, 24, 0, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 10, 0, 0, time.UTC), next(monday))

	// Past the trigger rolls a full week
	late := time.Date(2026, 8, 24, 0, 10, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 31, 0, 10, 0, 0, time.UTC), next(late))

	// Midweek finds the coming Monday
	wednesday := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 31, 0, 10, 0, 0, time.UTC), next(wednesday))
}

func TestHourly(t *testing.T) {
	next := Hourly()

	after := time.Date(2026, 8, 24, 12, 34, 56, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC), next(after))

	onTheHour := time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC), next(onTheHour))
}
