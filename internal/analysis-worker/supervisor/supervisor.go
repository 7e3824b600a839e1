// Package supervisor runs the background sweeps that keep execution records
// honest: stuck PROCESSING rows get timed out, and old terminal rows get
// purged past the retention window.
package supervisor

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"

	"webhook-analysis-service/internal/db"
)

const (
	staleSweepInterval     = 1 * time.Minute
	retentionSweepInterval = 24 * time.Hour
	defaultRetentionDays   = 30
)

type Supervisor struct {
	DB        *gorm.DB
	Scheduler gocron.Scheduler

	retentionDays int
}

func New(gdb *gorm.DB) (*Supervisor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	retention := defaultRetentionDays
	if v := os.Getenv("EXECUTION_RETENTION_DAYS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			retention = parsed
		} else {
			log.Printf("Invalid EXECUTION_RETENTION_DAYS %q, using default %d", v, defaultRetentionDays)
		}
	}
	return &Supervisor{DB: gdb, Scheduler: s, retentionDays: retention}, nil
}

func (s *Supervisor) Start() error {
	if _, err := s.Scheduler.NewJob(
		gocron.DurationJob(staleSweepInterval),
		gocron.NewTask(s.SweepStaleExecutions),
		gocron.WithName("stale-execution-sweep"),
	); err != nil {
		return fmt.Errorf("failed to schedule stale sweep: %w", err)
	}
	if _, err := s.Scheduler.NewJob(
		gocron.DurationJob(retentionSweepInterval),
		gocron.NewTask(s.SweepExpiredExecutions),
		gocron.WithName("execution-retention-sweep"),
	); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	s.Scheduler.Start()
	log.Printf("Supervisor started: stale sweep every %s, retention %d days", staleSweepInterval, s.retentionDays)
	return nil
}

func (s *Supervisor) Stop() {
	if err := s.Scheduler.Shutdown(); err != nil {
		log.Printf("Error shutting down supervisor scheduler: %v", err)
	}
}

// SweepStaleExecutions times out PROCESSING executions whose task budget has
// long passed, e.g. after a worker crash mid-run. Each row's own task
// timeout decides when it is overdue.
func (s *Supervisor) SweepStaleExecutions() {
	var stale []db.TaskExecution
	if err := s.DB.Where("status = ?", db.ExecProcessing).Find(&stale).Error; err != nil {
		log.Printf("Stale sweep: failed to list processing executions: %v", err)
		return
	}
	now := time.Now().UTC()
	swept := 0
	for i := range stale {
		exec := &stale[i]
		if exec.StartedAt == nil {
			continue
		}
		budget := 3600
		if exec.TaskID != nil {
			var task db.AnalysisTask
			if err := s.DB.First(&task, *exec.TaskID).Error; err == nil && task.TimeoutSeconds > 0 {
				budget = task.TimeoutSeconds
			}
		}
		deadline := exec.StartedAt.Add(time.Duration(budget) * time.Second)
		if now.Before(deadline) {
			continue
		}
		if err := exec.MarkCompleted(db.ExecTimeout, fmt.Sprintf("execution exceeded its %ds budget", budget), "timeout"); err != nil {
			log.Printf("Stale sweep: cannot time out execution %s: %v", exec.ExecutionID, err)
			continue
		}
		exec.AppendStep("timed out by supervisor sweep")
		if err := s.DB.Save(exec).Error; err != nil {
			log.Printf("Stale sweep: failed to persist timeout for execution %s: %v", exec.ExecutionID, err)
			continue
		}
		swept++
	}
	if swept > 0 {
		log.Printf("Stale sweep: timed out %d execution(s)", swept)
	}
}

// SweepExpiredExecutions deletes terminal executions and webhook logs older
// than the retention window.
func (s *Supervisor) SweepExpiredExecutions() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	terminal := []db.ExecutionStatus{db.ExecSuccess, db.ExecFailed, db.ExecTimeout, db.ExecCancelled}
	result := s.DB.Where("status IN ? AND created_at < ?", terminal, cutoff).Delete(&db.TaskExecution{})
	if result.Error != nil {
		log.Printf("Retention sweep: failed to delete expired executions: %v", result.Error)
	} else if result.RowsAffected > 0 {
		log.Printf("Retention sweep: deleted %d execution(s) older than %s", result.RowsAffected, cutoff.Format(time.RFC3339))
	}

	logResult := s.DB.Where("created_at < ?", cutoff).Delete(&db.WebhookLog{})
	if logResult.Error != nil {
		log.Printf("Retention sweep: failed to delete expired webhook logs: %v", logResult.Error)
	} else if logResult.RowsAffected > 0 {
		log.Printf("Retention sweep: deleted %d webhook log(s)", logResult.RowsAffected)
	}
}
