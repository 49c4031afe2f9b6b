package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pushq/internal/config"
	"github.com/3leaps/pushq/internal/observability"
	"github.com/3leaps/pushq/pkg/jobqueue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scheduler and execute ready jobs",
	Long: `Run the scheduler in the foreground until interrupted.

Only one scheduler may own a job store; a second one exits immediately.
On start, jobs left RUNNING by a previous process are marked FAILED.

Examples:
  pushq worker
  pushq worker --workers 4 --dispatch-rate 0.5`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	addSchedulerFlags(workerCmd)
}

func addSchedulerFlags(cmd *cobra.Command) {
	cmd.Flags().Int("workers", 0, "Concurrent executions (default from config)")
	cmd.Flags().Duration("poll-interval", 0, "Pause between scheduling passes (default from config)")
	cmd.Flags().Float64("dispatch-rate", 0, "Max job starts per second, 0 = unlimited (default from config)")
}

// applySchedulerFlags copies explicitly set flags over the loaded config.
func applySchedulerFlags(cmd *cobra.Command, q *config.QueueConfig) {
	if cmd.Flags().Changed("workers") {
		q.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("poll-interval") {
		q.PollInterval, _ = cmd.Flags().GetDuration("poll-interval")
	}
	if cmd.Flags().Changed("dispatch-rate") {
		q.DispatchRate, _ = cmd.Flags().GetFloat64("dispatch-rate")
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := serviceLogger()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	env, err := openEnvironment(logger)
	if err != nil {
		return err
	}
	defer env.Close()

	sched, err := newScheduler(cmd, env)
	if err != nil {
		return err
	}
	return runScheduler(ctx, sched)
}

func serviceLogger() (*zap.Logger, error) {
	if appConfig == nil {
		return observability.CLILogger, nil
	}
	return observability.NewLogger(appConfig.Logging.Profile, appConfig.Logging.Level)
}

func newScheduler(cmd *cobra.Command, env *environment) (*jobqueue.Scheduler, error) {
	qcfg := env.cfg.Queue
	applySchedulerFlags(cmd, &qcfg)
	if qcfg.Workers < 1 {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --workers", errors.New("workers must be >= 1"))
	}

	executor, err := jobqueue.NewExecutor(env.queue, jobqueue.ExecutorConfig{
		Targets: env.registry,
		Stager:  env.locator,
		WorkDir: qcfg.WorkDir,
		Logger:  env.logger,
	})
	if err != nil {
		return nil, err
	}
	sched, err := jobqueue.NewScheduler(env.queue, executor, jobqueue.SchedulerConfig{
		Workers:      qcfg.Workers,
		PollInterval: qcfg.PollInterval,
		DispatchRate: qcfg.DispatchRate,
		Logger:       env.logger,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid scheduler configuration", err)
	}
	return sched, nil
}

func runScheduler(ctx context.Context, sched *jobqueue.Scheduler) error {
	if err := sched.Run(ctx); err != nil {
		if errors.Is(err, jobqueue.ErrSchedulerLocked) {
			return exitError(foundry.ExitInvalidArgument, "Another scheduler is running", err)
		}
		return err
	}
	return nil
}
