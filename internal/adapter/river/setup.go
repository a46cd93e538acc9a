package river

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riversqlite"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
)

// Config holds the settings of the job client.
type Config struct {
	Operations Operations
	Logger     *zap.Logger
	// MaxWorkers bounds concurrent jobs on the default queue.
	MaxWorkers int
	// ScheduleRollover registers the periodic daily rollover at midnight UTC.
	ScheduleRollover bool
}

// Migrate runs River's internal migrations (river_job, river_leader, ...).
// These are separate from the control plane's goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrator, err := rivermigrate.New(riversqlite.New(db), nil)
	if err != nil {
		return fmt.Errorf("creating river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("running river migrations: %w", err)
	}
	return nil
}

// Setup migrates the job tables and creates a River client with the
// control-plane workers registered. The caller must call client.Start() to
// begin processing jobs and client.Stop() for graceful shutdown.
func Setup(ctx context.Context, db *sql.DB, cfg Config) (*Client, error) {
	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 2
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &ProvisionWorker{ops: cfg.Operations, logger: logger})
	river.AddWorker(workers, &ArchiveWorker{ops: cfg.Operations, logger: logger})
	river.AddWorker(workers, &RolloverWorker{ops: cfg.Operations, logger: logger})

	var periodic []*river.PeriodicJob
	if cfg.ScheduleRollover {
		periodic = append(periodic, river.NewPeriodicJob(
			MidnightUTC{},
			func() (river.JobArgs, *river.InsertOpts) {
				return RolloverArgs{}, nil
			},
			nil,
		))
	}

	client, err := river.NewClient(riversqlite.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}

	return client, nil
}
