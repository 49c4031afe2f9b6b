package jobqueue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// TargetResolver maps a destination to its execution target and declared
// setting defaults.
type TargetResolver interface {
	RunnerPath(destination string) (string, error)
	Defaults(destination string) (map[string]any, error)
}

// ArtifactStager turns an artifact reference into a local file the runner can
// read. cleanup removes anything staging created.
type ArtifactStager interface {
	Stage(ctx context.Context, ref, dir string) (localPath string, cleanup func(), err error)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Targets resolves destinations. Required.
	Targets TargetResolver

	// Runner executes invocations. Defaults to a ProcessRunner.
	Runner Runner

	// Stager fetches remote artifacts. Nil passes artifact paths through.
	Stager ArtifactStager

	// WorkDir holds per-job staging directories. Defaults to os.TempDir().
	WorkDir string

	Logger *zap.Logger
}

// Executor is the execution adapter: it runs one claimed job to exactly one
// terminal outcome.
type Executor struct {
	queue   *Queue
	targets TargetResolver
	runner  Runner
	stager  ArtifactStager
	workDir string
	logger  *zap.Logger
}

// NewExecutor requires a queue and cfg.Targets.
func NewExecutor(queue *Queue, cfg ExecutorConfig) (*Executor, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Targets == nil {
		return nil, fmt.Errorf("target resolver is required")
	}
	e := &Executor{
		queue:   queue,
		targets: cfg.Targets,
		runner:  cfg.Runner,
		stager:  cfg.Stager,
		workDir: cfg.WorkDir,
		logger:  cfg.Logger,
	}
	if e.runner == nil {
		e.runner = &ProcessRunner{}
	}
	if e.workDir == "" {
		e.workDir = os.TempDir()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// Execute runs a job the scheduler has already claimed and reports its
// outcome through Queue.Complete. Every failure inside the adapter, panics
// included, resolves to FAILED. If the job left RUNNING meanwhile (cancelled),
// the rejected completion is logged and dropped.
func (e *Executor) Execute(ctx context.Context, job *JobRecord) {
	success := false
	detail := ""

	defer func() {
		if r := recover(); r != nil {
			success = false
			detail = fmt.Sprintf("executor panic: %v", r)
			e.logger.Error("Executor panic", zap.String("job_id", job.ID), zap.Any("panic", r))
		}
		completeCtx := context.WithoutCancel(ctx)
		if _, err := e.queue.Complete(completeCtx, job.ID, success, detail); err != nil {
			if IsState(err) || IsNotFound(err) {
				e.logger.Info("Job left RUNNING before completion", zap.String("job_id", job.ID), zap.Error(err))
				return
			}
			e.logger.Error("Failed to record job outcome", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	success, detail = e.run(ctx, job)
}

func (e *Executor) run(ctx context.Context, job *JobRecord) (bool, string) {
	target, err := e.targets.RunnerPath(job.Destination)
	if err != nil {
		return false, fmt.Sprintf("resolve runner: %v", err)
	}
	defaults, err := e.targets.Defaults(job.Destination)
	if err != nil {
		return false, fmt.Sprintf("resolve defaults: %v", err)
	}

	artifactPath := job.ArtifactPath
	if e.stager != nil {
		dir := filepath.Join(e.workDir, "pushq-"+job.ID)
		local, cleanup, err := e.stager.Stage(ctx, job.ArtifactPath, dir)
		if err != nil {
			return false, fmt.Sprintf("stage artifact: %v", err)
		}
		defer cleanup()
		artifactPath = local
	}

	params := BuildParams(defaults, job.Settings, job.ArtifactName, artifactPath)
	inv := Invocation{JobID: job.ID, Target: target, Params: params}

	e.logger.Info("Starting runner",
		zap.String("job_id", job.ID),
		zap.String("destination", job.Destination),
		zap.String("target", target))

	res, err := e.runner.Run(ctx, inv, func(pid int) {
		perr := e.queue.SetRunnerPID(context.WithoutCancel(ctx), job.ID, pid)
		switch {
		case perr == nil:
		case IsState(perr):
			// Cancelled between claim and start; nobody else knows this pid.
			if ierr := e.queue.interrupt(pid); ierr != nil {
				e.logger.Warn("Interrupt delivery failed", zap.String("job_id", job.ID), zap.Int("pid", pid), zap.Error(ierr))
			}
		default:
			e.logger.Warn("Failed to record runner pid", zap.String("job_id", job.ID), zap.Int("pid", pid), zap.Error(perr))
		}
	})
	if res != nil && res.Output != "" {
		if lerr := e.queue.AppendLog(context.WithoutCancel(ctx), job.ID, res.Output); lerr != nil {
			e.logger.Warn("Failed to append runner output", zap.String("job_id", job.ID), zap.Error(lerr))
		}
	}
	if err != nil {
		return false, fmt.Sprintf("runner error: %v", err)
	}
	if !res.Success {
		return false, fmt.Sprintf("runner exited with code %d", res.ExitCode)
	}
	return true, ""
}

// BuildParams flattens the runner parameter set. Settings override declared
// defaults; artifact_name and artifact_path override both.
func BuildParams(defaults, settings map[string]any, artifactName, artifactPath string) map[string]any {
	params := make(map[string]any, len(defaults)+len(settings)+2)
	for k, v := range defaults {
		params[k] = v
	}
	for k, v := range settings {
		params[k] = v
	}
	params["artifact_name"] = artifactName
	params["artifact_path"] = artifactPath
	return params
}
