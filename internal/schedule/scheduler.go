// Package schedule triggers recurring workflow starts from cron expressions
// persisted in the store.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avennor/ensemble/internal/store"
)

// WorkflowStarter is the interface the scheduler uses to start workflows.
// Satisfied by the engine (avoids an import cycle).
type WorkflowStarter interface {
	StartWorkflow(ctx context.Context, name, userTask, sessionID string) (string, error)
}

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the next fire time of a cron expression after from.
func NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Scheduler polls the store for due scheduled starts and fires them.
type Scheduler struct {
	store   store.Store
	starter WorkflowStarter
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // start IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, starter WorkflowStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("schedule loop started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled scheduled starts and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.store.ListScheduledStarts(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled starts", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue // already running (dedup)
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to run scheduled start",
					slog.String("schedule_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(job.ID)
		}
	}
}

// runJob fires one scheduled start and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledStart, now time.Time) error {
	s.logger.Info("firing scheduled start",
		slog.String("schedule_id", job.ID),
		slog.String("workflow", job.Workflow),
	)

	instanceID, err := s.starter.StartWorkflow(ctx, job.Workflow, job.UserTask, "")
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled start failed",
			slog.String("schedule_id", job.ID),
			slog.String("workflow", job.Workflow),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled start fired",
			slog.String("schedule_id", job.ID),
			slog.String("instance_id", instanceID),
		)
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledStart, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledStart(ctx, job.ID, store.ScheduledStartUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the start as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	return NextRun(cronExpr, from)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("schedule loop stopped")
	return nil
}
