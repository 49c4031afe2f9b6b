package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubValidator accepts string settings for the keys it knows.
type stubValidator struct {
	keys map[string]bool
}

func (v stubValidator) Validate(dest string, settings map[string]any, artifactName *string) error {
	if dest != "s3" {
		return fmt.Errorf("destination not found: %s", dest)
	}
	if artifactName != nil && *artifactName == "" {
		return fmt.Errorf("artifact_name: must not be empty")
	}
	for k, val := range settings {
		if !v.keys[k] {
			return fmt.Errorf("%s: unknown setting", k)
		}
		if _, ok := val.(string); !ok {
			return fmt.Errorf("%s: expected string", k)
		}
	}
	return nil
}

type stubChecker struct {
	missing map[string]bool
}

func (c stubChecker) Check(_ context.Context, ref string) error {
	if c.missing[ref] {
		return fmt.Errorf("artifact not found: %s", ref)
	}
	return nil
}

// signalRecorder captures interrupt requests instead of signalling.
type signalRecorder struct {
	mu   sync.Mutex
	pids []int
}

func (r *signalRecorder) interrupt(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids = append(r.pids, pid)
	return nil
}

func (r *signalRecorder) sent() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.pids...)
}

type fixture struct {
	queue   *Queue
	signals *signalRecorder
	clock   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{signals: &signalRecorder{}, clock: &clock}

	q, err := NewQueue(NewStore(t.TempDir()), QueueConfig{
		Validator: stubValidator{keys: map[string]bool{"region": true, "bucket": true}},
		Artifacts: stubChecker{missing: map[string]bool{"/tmp/missing.img": true}},
		Now: func() time.Time {
			*f.clock = f.clock.Add(time.Second)
			return *f.clock
		},
		Interrupt: f.signals.interrupt,
	})
	require.NoError(t, err)
	f.queue = q
	return f
}

func (f *fixture) create(t *testing.T) *JobRecord {
	t.Helper()
	rec, err := f.queue.Create(context.Background(), CreateRequest{
		Destination:  "s3",
		ArtifactName: "nightly",
		Settings:     map[string]any{"region": "us-east-1"},
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) running(t *testing.T) *JobRecord {
	t.Helper()
	ctx := context.Background()
	rec := f.create(t)
	_, err := f.queue.MarkReady(ctx, rec.ID, "/tmp/art.img")
	require.NoError(t, err)
	rec, err = f.queue.Claim(ctx, rec.ID)
	require.NoError(t, err)
	return rec
}

func TestNewQueue_RequiresDependencies(t *testing.T) {
	_, err := NewQueue(nil, QueueConfig{Validator: stubValidator{}})
	assert.Error(t, err)
	_, err = NewQueue(NewStore(t.TempDir()), QueueConfig{})
	assert.Error(t, err)
}

func TestQueue_CreateRoundTripsSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	settings := map[string]any{"region": "us-east-1", "bucket": "builds"}
	rec, err := f.queue.Create(ctx, CreateRequest{Destination: "s3", ArtifactName: "img", Settings: settings})
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, rec.Status)
	assert.NotEmpty(t, rec.ID)

	got, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, settings, got.Settings)
	assert.Equal(t, "img", got.ArtifactName)
	assert.Empty(t, got.ArtifactPath)
	assert.Contains(t, got.Log, "created for destination s3")

	// The caller's map is not aliased by the record.
	settings["region"] = "changed"
	got, err = f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", got.Settings["region"])
}

func TestQueue_CreateValidationLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{name: "wrong type", req: CreateRequest{Destination: "s3", ArtifactName: "a", Settings: map[string]any{"region": 42}}},
		{name: "unknown key", req: CreateRequest{Destination: "s3", ArtifactName: "a", Settings: map[string]any{"colour": "red"}}},
		{name: "unknown destination", req: CreateRequest{Destination: "gcs", ArtifactName: "a"}},
		{name: "empty destination", req: CreateRequest{Destination: " ", ArtifactName: "a"}},
		{name: "empty artifact name", req: CreateRequest{Destination: "s3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.queue.Create(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
		})
	}

	jobs, err := f.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestQueue_MarkReadyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t)

	ready, err := f.queue.MarkReady(ctx, rec.ID, "/tmp/first.img")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, ready.Status)

	again, err := f.queue.MarkReady(ctx, rec.ID, "/tmp/first.img")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, again.Status)
	assert.Equal(t, "/tmp/first.img", again.ArtifactPath)
	assert.Equal(t, 1, strings.Count(again.Log, "WAITING -> READY"))
	assert.NotContains(t, again.Log, "artifact path updated")

	second, err := f.queue.MarkReady(ctx, rec.ID, "/tmp/second.img")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/second.img", second.ArtifactPath)
	assert.Equal(t, 1, strings.Count(second.Log, "artifact path updated"))
}

func TestQueue_MarkReadyRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t)

	_, err := f.queue.MarkReady(ctx, rec.ID, "  ")
	assert.True(t, IsValidation(err))

	_, err = f.queue.MarkReady(ctx, rec.ID, "/tmp/missing.img")
	assert.True(t, IsValidation(err))

	got, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status, "rejected input must not mutate the record")

	_, err = f.queue.MarkReady(ctx, "nope", "/tmp/art.img")
	assert.True(t, IsNotFound(err))

	running := f.running(t)
	_, err = f.queue.MarkReady(ctx, running.ID, "/tmp/art.img")
	assert.True(t, IsState(err))
}

func TestQueue_IllegalTransitionsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.running(t)
	_, err := f.queue.Complete(ctx, rec.ID, true, "")
	require.NoError(t, err)

	_, err = f.queue.Claim(ctx, rec.ID)
	assert.True(t, IsState(err), "FINISHED -> RUNNING must be rejected")
	_, err = f.queue.Complete(ctx, rec.ID, false, "")
	assert.True(t, IsState(err))
	_, err = f.queue.MarkReady(ctx, rec.ID, "/tmp/x.img")
	assert.True(t, IsState(err))
	_, err = f.queue.Cancel(ctx, rec.ID)
	assert.True(t, IsState(err))
	assert.True(t, IsState(f.queue.SetRunnerPID(ctx, rec.ID, 1)))

	waiting := f.create(t)
	_, err = f.queue.Claim(ctx, waiting.ID)
	assert.True(t, IsState(err), "WAITING -> RUNNING must be rejected")
	_, err = f.queue.Complete(ctx, waiting.ID, true, "")
	assert.True(t, IsState(err))
}

func TestQueue_ReachableStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seen := map[JobStatus]bool{}

	a := f.create(t)
	seen[a.Status] = true
	r, err := f.queue.MarkReady(ctx, a.ID, "/tmp/a.img")
	require.NoError(t, err)
	seen[r.Status] = true
	r, err = f.queue.Claim(ctx, a.ID)
	require.NoError(t, err)
	seen[r.Status] = true
	r, err = f.queue.Complete(ctx, a.ID, true, "")
	require.NoError(t, err)
	seen[r.Status] = true

	b := f.running(t)
	r, err = f.queue.Complete(ctx, b.ID, false, "boom")
	require.NoError(t, err)
	seen[r.Status] = true
	assert.Contains(t, r.Log, "RUNNING -> FAILED: boom")

	c := f.create(t)
	r, err = f.queue.Cancel(ctx, c.ID)
	require.NoError(t, err)
	seen[r.Status] = true

	for _, s := range AllStatuses {
		assert.True(t, seen[s], "state %s not reached", s)
	}
}

func TestQueue_CancelSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("waiting is cancelled without a signal", func(t *testing.T) {
		rec := f.create(t)
		got, err := f.queue.Cancel(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Empty(t, f.signals.sent())
	})

	t.Run("running is cancelled and signalled", func(t *testing.T) {
		rec := f.running(t)
		require.NoError(t, f.queue.SetRunnerPID(ctx, rec.ID, 31337))

		got, err := f.queue.Cancel(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Zero(t, got.RunnerPID)
		assert.Equal(t, []int{31337}, f.signals.sent())

		_, err = f.queue.Complete(ctx, rec.ID, true, "")
		assert.True(t, IsState(err), "late completion after cancel is rejected")
	})

	t.Run("finished raises a state error", func(t *testing.T) {
		rec := f.running(t)
		_, err := f.queue.Complete(ctx, rec.ID, true, "")
		require.NoError(t, err)
		_, err = f.queue.Cancel(ctx, rec.ID)
		require.Error(t, err)
		assert.True(t, IsState(err))

		var se *StateError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "cancel", se.Op)
		assert.Equal(t, StatusFinished, se.Status)
	})
}

func TestQueue_CancelSignalFailureIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.queue.interrupt = func(int) error { return errors.New("no such process") }
	ctx := context.Background()

	rec := f.running(t)
	require.NoError(t, f.queue.SetRunnerPID(ctx, rec.ID, 99999))
	got, err := f.queue.Cancel(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestQueue_Reset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("cancellable jobs are refused", func(t *testing.T) {
		waiting := f.create(t)
		_, err := f.queue.Reset(ctx, waiting.ID, ResetOptions{})
		assert.True(t, IsState(err))

		running := f.running(t)
		_, err = f.queue.Reset(ctx, running.ID, ResetOptions{})
		assert.True(t, IsState(err))
	})

	t.Run("terminal job without artifact is refused", func(t *testing.T) {
		rec := f.create(t)
		_, err := f.queue.Cancel(ctx, rec.ID)
		require.NoError(t, err)
		_, err = f.queue.Reset(ctx, rec.ID, ResetOptions{})
		assert.True(t, IsState(err))
	})

	t.Run("failed job returns to READY with new inputs", func(t *testing.T) {
		rec := f.running(t)
		_, err := f.queue.Complete(ctx, rec.ID, false, "")
		require.NoError(t, err)

		name := "retry"
		got, err := f.queue.Reset(ctx, rec.ID, ResetOptions{
			ArtifactName: &name,
			Settings:     map[string]any{"bucket": "other"},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusReady, got.Status)
		assert.Equal(t, "retry", got.ArtifactName)
		assert.Equal(t, map[string]any{"bucket": "other"}, got.Settings)
		assert.Equal(t, "/tmp/art.img", got.ArtifactPath)
		assert.True(t, got.StartedAt.IsZero())
		assert.True(t, got.EndedAt.IsZero())
		assert.Contains(t, got.Log, "FAILED -> READY (reset)")
		assert.Contains(t, got.Log, "RUNNING -> FAILED", "reset keeps history")
	})

	t.Run("invalid replacement leaves the record untouched", func(t *testing.T) {
		rec := f.running(t)
		_, err := f.queue.Complete(ctx, rec.ID, true, "")
		require.NoError(t, err)

		empty := ""
		_, err = f.queue.Reset(ctx, rec.ID, ResetOptions{ArtifactName: &empty})
		assert.True(t, IsValidation(err))
		_, err = f.queue.Reset(ctx, rec.ID, ResetOptions{Settings: map[string]any{"region": true}})
		assert.True(t, IsValidation(err))

		got, err := f.queue.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFinished, got.Status)
		assert.Equal(t, "nightly", got.ArtifactName)
	})
}

func TestQueue_Abandon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.running(t)
	require.NoError(t, f.queue.SetRunnerPID(ctx, rec.ID, 77))
	got, err := f.queue.Abandon(ctx, rec.ID, "worker lost")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, got.RunnerPID)
	assert.Contains(t, got.Log, "abandoned: worker lost (runner pid 77)")

	_, err = f.queue.Abandon(ctx, rec.ID, "again")
	assert.True(t, IsState(err))
}

func TestQueue_DeleteCancelsFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.running(t)
	require.NoError(t, f.queue.SetRunnerPID(ctx, rec.ID, 555))

	require.NoError(t, f.queue.Delete(ctx, rec.ID))
	assert.Equal(t, []int{555}, f.signals.sent())

	_, err := f.queue.Get(ctx, rec.ID)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(f.queue.Delete(ctx, rec.ID)))

	done := f.running(t)
	_, err = f.queue.Complete(ctx, done.ID, true, "")
	require.NoError(t, err)
	require.NoError(t, f.queue.Delete(ctx, done.ID))
}

func TestQueue_AppendLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t)

	require.NoError(t, f.queue.AppendLog(ctx, rec.ID, "uploading...\ndone\n"))
	require.NoError(t, f.queue.AppendLog(ctx, rec.ID, ""))

	got, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got.Log, "uploading...\ndone\n"))
}

func TestQueue_AppendLogInvalidUTF8KeepsRecordReadable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.running(t)

	require.NoError(t, f.queue.AppendLog(ctx, rec.ID, "bin \xff\xfe done"))

	got, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Log, "bin \uFFFD done\n")

	done, err := f.queue.Complete(ctx, rec.ID, false, "exit \xc3")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.True(t, utf8.ValidString(done.Log))
}

func TestQueue_TimestampsPersistAcrossTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.running(t)

	got, err := f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.True(t, got.StartedAt.Equal(rec.StartedAt))
	assert.False(t, got.StartedAt.IsZero())
	assert.True(t, got.EndedAt.IsZero())

	require.NoError(t, f.queue.SetRunnerPID(ctx, rec.ID, 4321))
	cancelled, err := f.queue.Cancel(ctx, rec.ID)
	require.NoError(t, err)

	got, err = f.queue.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.StartedAt.Equal(rec.StartedAt))
	assert.True(t, got.EndedAt.Equal(cancelled.EndedAt))
	assert.True(t, got.EndedAt.After(got.StartedAt))
}

func TestQueue_ListFiltered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t)
	b := f.create(t)
	_, err := f.queue.MarkReady(ctx, b.ID, "/tmp/b.img")
	require.NoError(t, err)

	ready, err := f.queue.ListFiltered(ctx, Filter{Statuses: []JobStatus{StatusReady}})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, b.ID, ready[0].ID)

	all, err := f.queue.ListFiltered(ctx, Filter{Destination: "s*", ArtifactName: "night*"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID, "oldest first")

	_, err = f.queue.ListFiltered(ctx, Filter{Destination: "[unclosed"})
	assert.True(t, IsValidation(err))
}

func TestSummaryOmitsLog(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t)

	s := rec.Summary()
	assert.Equal(t, rec.ID, s.ID)
	assert.Equal(t, StatusWaiting, s.Status)
	assert.Equal(t, "s3", s.Destination)
	assert.Equal(t, rec.Settings, s.Settings)
}
