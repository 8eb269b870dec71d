package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/internal/models"
)

// Job is one scheduled operation. Next computes the firing after the given
// instant; Run does the work and returns run metadata for the job log.
type Job struct {
	Name string
	Next func(after time.Time) time.Time
	Run  func(ctx context.Context) (models.JSONB, error)
}

// JobLogWriter records job runs.
type JobLogWriter interface {
	CreateJobLog(ctx context.Context, entry *models.JobLog) error
}

// Scheduler runs jobs at wall-clock triggers. A firing that arrives while the
// previous run of the same job is still going is skipped and logged, never
// queued.
type Scheduler struct {
	jobs    []Job
	jobLogs JobLogWriter

	fires   sync.WaitGroup
	mu      sync.Mutex
	running map[string]bool
}

// New creates a scheduler.
func New(jobLogs JobLogWriter) *Scheduler {
	return &Scheduler{
		jobLogs: jobLogs,
		running: make(map[string]bool),
	}
}

// Register adds a job. Not safe to call after Start.
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one timer loop per job and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}

	log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	wg.Wait()
	s.fires.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	for {
		next := job.Next(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Run in the background so the loop keeps ticking; fire itself skips
		// the occurrence when the previous run has not finished
		s.fires.Add(1)
		go func() {
			defer s.fires.Done()
			s.fire(ctx, job)
		}()
	}
}

// fire runs one job occurrence, enforcing no-overlap per job name.
func (s *Scheduler) fire(ctx context.Context, job Job) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		log.Warn().Str("job", job.Name).Msg("Previous run still in progress, skipping firing")
		s.logRun(ctx, &models.JobLog{
			JobName:   job.Name,
			Timestamp: time.Now().UTC(),
			Status:    models.JobStatusSkippedOverlap,
		})
		return
	}
	s.running[job.Name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[job.Name] = false
		s.mu.Unlock()
	}()

	started := time.Now().UTC()
	log.Info().Str("job", job.Name).Msg("Job starting")

	metadata, err := job.Run(ctx)
	if metadata == nil {
		metadata = models.JSONB{}
	}
	metadata["duration_seconds"] = time.Since(started).Seconds()

	entry := &models.JobLog{
		JobName:   job.Name,
		Timestamp: started,
		Status:    models.JobStatusSuccess,
		Metadata:  metadata,
	}
	if err != nil {
		entry.Status = models.JobStatusFailed
		entry.Error = err.Error()
		log.Error().Err(err).Str("job", job.Name).Msg("Job failed")
	} else {
		log.Info().Str("job", job.Name).Dur("duration", time.Since(started)).Msg("Job finished")
	}

	s.logRun(ctx, entry)
}

func (s *Scheduler) logRun(ctx context.Context, entry *models.JobLog) {
	if err := s.jobLogs.CreateJobLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("job", entry.JobName).Msg("Failed to write job log")
	}
}

// DailyAt returns a Next function firing every day at hh:mm UTC.
func DailyAt(hour, minute int) func(time.Time) time.Time {
	return func(after time.Time) time.Time {
		next := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// WeeklyAt returns a Next function firing every week on the given weekday at
// hh:mm UTC.
func WeeklyAt(day time.Weekday, hour, minute int) func(time.Time) time.Time {
	return func(after time.Time) time.Time {
		next := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
		for next.Weekday() != day || !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// Hourly returns a Next function firing at the top of every hour.
func Hourly() func(time.Time) time.Time {
	return func(after time.Time) time.Time {
		return after.Truncate(time.Hour).Add(time.Hour)
	}
}
