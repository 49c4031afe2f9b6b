package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SettingsValidator checks a destination's settings (and optionally the
// artifact name) before any record is mutated.
type SettingsValidator interface {
	Validate(destination string, settings map[string]any, artifactName *string) error
}

// ArtifactChecker verifies that an artifact reference resolves to something
// that exists before a job is marked ready.
type ArtifactChecker interface {
	Check(ctx context.Context, ref string) error
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	// Validator checks destination settings. Required.
	Validator SettingsValidator

	// Artifacts optionally verifies artifact references in MarkReady.
	Artifacts ArtifactChecker

	// Logger receives transition logs. Nil disables logging.
	Logger *zap.Logger

	// Now overrides the clock (tests).
	Now func() time.Time

	// Interrupt delivers the cancellation signal to a runner process.
	// Defaults to os.Interrupt via os.FindProcess.
	Interrupt func(pid int) error
}

// Queue implements the caller-facing job operations and the transitions
// driven by the scheduler and executor.
//
// Every mutation is a full read-modify-write through the Store, serialized by
// an in-process mutex and, across processes, by an advisory lock on the store
// (flock on unix). Without flock, a CLI cancel can race a worker's log append
// and be overwritten. One Scheduler per store is assumed; see Scheduler for
// the lock that enforces it.
type Queue struct {
	store     *Store
	validator SettingsValidator
	artifacts ArtifactChecker
	logger    *zap.Logger
	now       func() time.Time
	interrupt func(pid int) error

	mu sync.Mutex
}

// NewQueue wires a queue over store. cfg.Validator is required.
func NewQueue(store *Store, cfg QueueConfig) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("settings validator is required")
	}
	q := &Queue{
		store:     store,
		validator: cfg.Validator,
		artifacts: cfg.Artifacts,
		logger:    cfg.Logger,
		now:       cfg.Now,
		interrupt: cfg.Interrupt,
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	if q.interrupt == nil {
		q.interrupt = interruptProcess
	}
	return q, nil
}

// Store returns the backing record store.
func (q *Queue) Store() *Store {
	return q.store
}

// CreateRequest carries the caller inputs for a new job.
type CreateRequest struct {
	Destination  string
	ArtifactName string
	Settings     map[string]any
}

// Create validates the request and persists a new WAITING job.
func (q *Queue) Create(ctx context.Context, req CreateRequest) (*JobRecord, error) {
	_ = ctx
	dest := strings.TrimSpace(req.Destination)
	if dest == "" {
		return nil, &ValidationError{Field: "destination", Err: fmt.Errorf("destination is required")}
	}
	settings := cloneSettings(req.Settings)
	name := req.ArtifactName
	if err := q.validator.Validate(dest, settings, &name); err != nil {
		return nil, &ValidationError{Err: err}
	}

	now := q.now()
	rec := &JobRecord{
		ID:           uuid.NewString(),
		Destination:  dest,
		ArtifactName: name,
		Settings:     settings,
		Status:       StatusWaiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rec.appendLog(now, "created for destination %s", dest)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Write(rec); err != nil {
		return nil, err
	}
	q.logger.Info("Job created",
		zap.String("job_id", rec.ID),
		zap.String("destination", dest),
		zap.String("artifact_name", name))
	return rec, nil
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	_ = ctx
	return q.store.Read(jobID)
}

// List returns every readable job, oldest first. Corrupt records are logged
// and skipped.
func (q *Queue) List(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	return q.store.Scan(func(jobID string, err error) {
		q.logger.Warn("Skipping corrupt job record", zap.String("job_id", jobID), zap.Error(err))
	})
}

// ListFiltered is List restricted to jobs matching f.
func (q *Queue) ListFiltered(ctx context.Context, f Filter) ([]JobRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, &ValidationError{Field: "filter", Err: err}
	}
	jobs, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if f.Match(&j) {
			out = append(out, j)
		}
	}
	return out, nil
}

// MarkReady supplies the artifact and makes a WAITING job schedulable.
//
// Calling it again on a READY job is not an error; the artifact path is
// replaced with the latest input.
func (q *Queue) MarkReady(ctx context.Context, jobID, artifactPath string) (*JobRecord, error) {
	artifactPath = strings.TrimSpace(artifactPath)

	current, err := q.store.Read(jobID)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusWaiting && current.Status != StatusReady {
		return nil, &StateError{ID: current.ID, Op: "mark_ready", Status: current.Status}
	}
	if artifactPath == "" {
		return nil, &ValidationError{Field: "artifact_path", Err: fmt.Errorf("artifact path is required")}
	}
	if q.artifacts != nil {
		if err := q.artifacts.Check(ctx, artifactPath); err != nil {
			return nil, &ValidationError{Field: "artifact_path", Err: err}
		}
	}

	return q.update(jobID, func(rec *JobRecord, now time.Time) error {
		switch rec.Status {
		case StatusWaiting:
			rec.ArtifactPath = artifactPath
			rec.Status = StatusReady
			rec.appendLog(now, "status WAITING -> READY (artifact %s)", artifactPath)
		case StatusReady:
			if rec.ArtifactPath != artifactPath {
				rec.ArtifactPath = artifactPath
				rec.appendLog(now, "artifact path updated to %s", artifactPath)
			}
		default:
			return &StateError{ID: rec.ID, Op: "mark_ready", Status: rec.Status}
		}
		return nil
	})
}

// Claim moves a READY job to RUNNING. Only the scheduler calls this.
func (q *Queue) Claim(ctx context.Context, jobID string) (*JobRecord, error) {
	_ = ctx
	return q.update(jobID, func(rec *JobRecord, now time.Time) error {
		if rec.Status != StatusReady {
			return &StateError{ID: rec.ID, Op: "claim", Status: rec.Status}
		}
		rec.Status = StatusRunning
		rec.RunnerPID = 0
		rec.StartedAt = now
		rec.EndedAt = time.Time{}
		rec.appendLog(now, "status READY -> RUNNING")
		return nil
	})
}

// SetRunnerPID records the process executing a RUNNING job.
func (q *Queue) SetRunnerPID(ctx context.Context, jobID string, pid int) error {
	_ = ctx
	_, err := q.update(jobID, func(rec *JobRecord, now time.Time) error {
		if rec.Status != StatusRunning {
			return &StateError{ID: rec.ID, Op: "set_runner_pid", Status: rec.Status}
		}
		rec.RunnerPID = pid
		rec.appendLog(now, "runner started (pid %d)", pid)
		return nil
	})
	return err
}

// AppendLog adds execution output to the job log. Allowed in any state.
func (q *Queue) AppendLog(ctx context.Context, jobID, text string) error {
	_ = ctx
	text = strings.TrimRight(sanitizeLog(text), "\n")
	if text == "" {
		return nil
	}
	_, err := q.update(jobID, func(rec *JobRecord, now time.Time) error {
		rec.Log += text + "\n"
		return nil
	})
	return err
}

// Complete records the single terminal outcome of a claimed execution.
func (q *Queue) Complete(ctx context.Context, jobID string, success bool, detail string) (*JobRecord, error) {
	_ = ctx
	to := StatusFailed
	if success {
		to = StatusFinished
	}
	rec, err := q.update(jobID, func(rec *JobRecord, now time.Time) error {
		if rec.Status != StatusRunning {
			return &StateError{ID: rec.ID, Op: "complete", Status: rec.Status}
		}
		rec.Status = to
		rec.RunnerPID = 0
		rec.EndedAt = now
		if detail != "" {
			rec.appendLog(now, "status RUNNING -> %s: %s", to, detail)
		} else {
			rec.appendLog(now, "status RUNNING -> %s", to)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("Job completed", zap.String("job_id", jobID), zap.String("status", string(to)))
	return rec, nil
}

// Abandon force-fails a RUNNING job whose worker is gone.
func (q *Queue) Abandon(ctx context.Context, jobID, reason string) (*JobRecord, error) {
	_ = ctx
	return q.update(jobID, func(rec *JobRecord, now time.Time) error {
		if rec.Status != StatusRunning {
			return &StateError{ID: rec.ID, Op: "abandon", Status: rec.Status}
		}
		rec.Status = StatusFailed
		rec.EndedAt = now
		if rec.RunnerPID > 0 {
			rec.appendLog(now, "abandoned: %s (runner pid %d)", reason, rec.RunnerPID)
		} else {
			rec.appendLog(now, "abandoned: %s", reason)
		}
		rec.appendLog(now, "status RUNNING -> FAILED")
		rec.RunnerPID = 0
		return nil
	})
}

// ResetOptions optionally replaces the artifact name and settings on reset.
type ResetOptions struct {
	ArtifactName *string
	Settings     map[string]any
}

// Reset re-queues a finished, failed or cancelled job that already had an
// artifact. Jobs that can still run normally (WAITING included) are refused.
func (q *Queue) Reset(ctx context.Context, jobID string, opts ResetOptions) (*JobRecord, error) {
	_ = ctx
	current, err := q.store.Read(jobID)
	if err != nil {
		return nil, err
	}
	if err := checkResettable(current); err != nil {
		return nil, err
	}

	settings := current.Settings
	if opts.Settings != nil {
		settings = cloneSettings(opts.Settings)
	}
	if err := q.validator.Validate(current.Destination, settings, opts.ArtifactName); err != nil {
		return nil, &ValidationError{Err: err}
	}

	return q.update(jobID, func(rec *JobRecord, now time.Time) error {
		if err := checkResettable(rec); err != nil {
			return err
		}
		from := rec.Status
		if opts.ArtifactName != nil {
			rec.ArtifactName = *opts.ArtifactName
		}
		if opts.Settings != nil {
			rec.Settings = settings
		}
		rec.Status = StatusReady
		rec.RunnerPID = 0
		rec.StartedAt = time.Time{}
		rec.EndedAt = time.Time{}
		rec.appendLog(now, "status %s -> READY (reset)", from)
		return nil
	})
}

func checkResettable(rec *JobRecord) error {
	if rec.Status.Cancellable() {
		return &StateError{ID: rec.ID, Op: "reset", Status: rec.Status, Reason: "job can still run; cancel it first"}
	}
	if rec.ArtifactPath == "" {
		return &StateError{ID: rec.ID, Op: "reset", Status: rec.Status, Reason: "no artifact was ever supplied"}
	}
	return nil
}

// Cancel aborts a job that can still run. A RUNNING job's runner process is
// sent an interrupt after the record is written; delivery is best-effort.
func (q *Queue) Cancel(ctx context.Context, jobID string) (*JobRecord, error) {
	_ = ctx
	var pid int
	rec, err := q.update(jobID, func(rec *JobRecord, now time.Time) error {
		if !rec.Status.Cancellable() {
			return &StateError{ID: rec.ID, Op: "cancel", Status: rec.Status}
		}
		from := rec.Status
		if from == StatusRunning {
			pid = rec.RunnerPID
		}
		rec.Status = StatusCancelled
		rec.RunnerPID = 0
		rec.EndedAt = now
		if pid > 0 {
			rec.appendLog(now, "interrupt requested for runner pid %d", pid)
		}
		rec.appendLog(now, "status %s -> CANCELLED", from)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if pid > 0 {
		if err := q.interrupt(pid); err != nil {
			q.logger.Warn("Interrupt delivery failed",
				zap.String("job_id", jobID),
				zap.Int("pid", pid),
				zap.Error(err))
		}
	}
	q.logger.Info("Job cancelled", zap.String("job_id", jobID))
	return rec, nil
}

// Delete removes a job, cancelling it first if it can still run.
func (q *Queue) Delete(ctx context.Context, jobID string) error {
	rec, err := q.store.Read(jobID)
	if err != nil && !IsCorrupt(err) {
		return err
	}
	if rec != nil && rec.Status.Cancellable() {
		if _, err := q.Cancel(ctx, jobID); err != nil && !IsState(err) {
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	unlock, err := q.store.lockRecords()
	if err != nil {
		return err
	}
	defer unlock()
	if err := q.store.Delete(jobID); err != nil {
		return err
	}
	q.logger.Info("Job deleted", zap.String("job_id", jobID))
	return nil
}

// update performs a serialized read-modify-write of one record. When fn
// returns an error nothing is written.
func (q *Queue) update(jobID string, fn func(rec *JobRecord, now time.Time) error) (*JobRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	unlock, err := q.store.lockRecords()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := q.store.Read(jobID)
	if err != nil {
		return nil, err
	}
	now := q.now()
	if err := fn(rec, now); err != nil {
		var stateErr *StateError
		if errors.As(err, &stateErr) {
			q.logger.Debug("Rejected transition", zap.String("job_id", rec.ID), zap.Error(err))
		}
		return nil, err
	}
	rec.UpdatedAt = now
	if err := q.store.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func interruptProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(os.Interrupt)
}
