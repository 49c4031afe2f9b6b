package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pushq/internal/server"
	"github.com/3leaps/pushq/internal/server/handlers"
	"github.com/3leaps/pushq/pkg/jobqueue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API over HTTP",
	Long: `Start the HTTP API for jobs and destinations, plus health and version
endpoints. The scheduler runs in the same process unless --no-scheduler is
set, in which case a separate 'pushq worker' must own the store.

Examples:
  pushq serve
  pushq serve --port 9000 --workers 2
  pushq serve --no-scheduler`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
	serveCmd.Flags().Bool("no-scheduler", false, "Serve the API only; do not execute jobs")
	addSchedulerFlags(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	cfg := env.cfg
	host := cfg.Server.Host
	port := cfg.Server.Port
	if cmd.Flags().Changed("host") {
		host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}

	handlers.InitHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		hm := handlers.GetHealthManager()
		if identity := GetAppIdentity(); identity != nil {
			hm.RegisterChecker("identity", identityHealthChecker{
				binaryName: identity.BinaryName,
				envPrefix:  identity.EnvPrefix,
				configName: identity.ConfigName,
			})
		}
		hm.RegisterChecker("signals", signalHealthChecker{})
		hm.RegisterChecker("store", storeHealthChecker{queue: env.queue})
	}

	srv := server.New(host, port,
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithJobs(handlers.NewJobsHandler(env.queue, env.registry, env.profiles)),
		server.WithDestinations(handlers.NewDestinationsHandler(env.registry)),
	)

	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
	var sched *jobqueue.Scheduler
	if !noScheduler {
		sched, err = newScheduler(cmd, env)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	schedCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()
	schedDone := make(chan struct{})
	if sched != nil {
		go func() {
			defer close(schedDone)
			if err := runScheduler(schedCtx, sched); err != nil {
				errCh <- err
			}
		}()
	} else {
		close(schedDone)
	}

	logger.Info("Server started",
		zap.String("addr", srv.Addr()),
		zap.Bool("scheduler", sched != nil))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		logger.Error("Server stopped", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	stopSched()
	<-schedDone

	return runErr
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// signalHealthChecker reports healthy while the process is handling signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

// storeHealthChecker verifies the job store can be listed.
type storeHealthChecker struct {
	queue *jobqueue.Queue
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.queue == nil {
		return errors.New("job queue not initialized")
	}
	root := c.queue.Store().RootDir()
	if _, err := os.Stat(root); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("job store unavailable: %w", err)
	}
	if _, err := c.queue.List(ctx); err != nil {
		return fmt.Errorf("job store unreadable: %w", err)
	}
	return nil
}
