package jobqueue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTargets struct {
	runner   string
	defaults map[string]any
	err      error
}

func (s stubTargets) RunnerPath(string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.runner, nil
}

func (s stubTargets) Defaults(string) (map[string]any, error) { return s.defaults, nil }

type panicRunner struct{}

func (panicRunner) Run(context.Context, Invocation, func(int)) (*RunResult, error) {
	panic("runner exploded")
}

type recordingStager struct {
	staged  string
	cleaned bool
	err     error
}

func (r *recordingStager) Stage(_ context.Context, ref, dir string) (string, func(), error) {
	if r.err != nil {
		return "", nil, r.err
	}
	r.staged = filepath.Join(dir, filepath.Base(ref))
	return r.staged, func() { r.cleaned = true }, nil
}

func newExecutor(t *testing.T, f *fixture, cfg ExecutorConfig) *Executor {
	t.Helper()
	e, err := NewExecutor(f.queue, cfg)
	require.NoError(t, err)
	return e
}

func TestExecutor_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	script := writeScript(t, t.TempDir(), "upload.sh", "cat\necho\necho uploaded\n")
	job := f.running(t)

	e := newExecutor(t, f, ExecutorConfig{Targets: stubTargets{runner: script, defaults: map[string]any{"public": false}}})
	e.Execute(ctx, job)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Zero(t, got.RunnerPID)
	assert.Contains(t, got.Log, "runner started (pid ")
	assert.Contains(t, got.Log, "uploaded")
	assert.Contains(t, got.Log, `"artifact_path":"/tmp/art.img"`)
	assert.Contains(t, got.Log, `"artifact_name":"nightly"`)
	assert.Contains(t, got.Log, `"public":false`)
	assert.Contains(t, got.Log, `"region":"us-east-1"`)
}

func TestExecutor_FailureModes(t *testing.T) {
	tests := []struct {
		name       string
		cfg        func(t *testing.T) ExecutorConfig
		wantDetail string
	}{
		{
			name: "non-zero exit",
			cfg: func(t *testing.T) ExecutorConfig {
				return ExecutorConfig{Targets: stubTargets{runner: writeScript(t, t.TempDir(), "r.sh", "echo denied\nexit 2\n")}}
			},
			wantDetail: "runner exited with code 2",
		},
		{
			name: "unresolvable destination",
			cfg: func(t *testing.T) ExecutorConfig {
				return ExecutorConfig{Targets: stubTargets{err: errors.New("destination not found")}}
			},
			wantDetail: "resolve runner: destination not found",
		},
		{
			name: "missing runner",
			cfg: func(t *testing.T) ExecutorConfig {
				return ExecutorConfig{Targets: stubTargets{runner: filepath.Join(t.TempDir(), "absent.sh")}}
			},
			wantDetail: "runner error: start runner",
		},
		{
			name: "panic inside adapter",
			cfg: func(t *testing.T) ExecutorConfig {
				return ExecutorConfig{Targets: stubTargets{runner: "/bin/true"}, Runner: panicRunner{}}
			},
			wantDetail: "executor panic: runner exploded",
		},
		{
			name: "staging failure",
			cfg: func(t *testing.T) ExecutorConfig {
				return ExecutorConfig{Targets: stubTargets{runner: "/bin/true"}, Stager: &recordingStager{err: errors.New("bucket not found")}}
			},
			wantDetail: "stage artifact: bucket not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			job := f.running(t)

			newExecutor(t, f, tt.cfg(t)).Execute(ctx, job)

			got, err := f.queue.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, got.Status)
			assert.Contains(t, got.Log, tt.wantDetail)
		})
	}
}

func TestExecutor_StagesArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	script := writeScript(t, t.TempDir(), "upload.sh", "cat\n")
	job := f.running(t)
	stager := &recordingStager{}
	work := t.TempDir()

	newExecutor(t, f, ExecutorConfig{Targets: stubTargets{runner: script}, Stager: stager, WorkDir: work}).Execute(ctx, job)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Equal(t, filepath.Join(work, "pushq-"+job.ID, "art.img"), stager.staged)
	assert.True(t, stager.cleaned)
	assert.Contains(t, got.Log, stager.staged)
	assert.Equal(t, "/tmp/art.img", got.ArtifactPath, "the record keeps the original reference")
}

func TestExecutor_CancelWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.queue.interrupt = interruptProcess
	ctx := context.Background()
	script := writeScript(t, t.TempDir(), "slow.sh", "exec sleep 30\n")
	job := f.running(t)

	e := newExecutor(t, f, ExecutorConfig{Targets: stubTargets{runner: script}})
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(ctx, job)
	}()

	require.Eventually(t, func() bool {
		rec, err := f.queue.Get(ctx, job.ID)
		return err == nil && rec.RunnerPID > 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err := f.queue.Cancel(ctx, job.ID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("executor did not return after interrupt")
	}

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status, "late completion must not overwrite the cancel")
}

func TestExecutor_InterruptsRunnerStartedAfterCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.running(t)
	_, err := f.queue.Cancel(ctx, job.ID)
	require.NoError(t, err)

	script := writeScript(t, t.TempDir(), "r.sh", "exit 0\n")
	newExecutor(t, f, ExecutorConfig{Targets: stubTargets{runner: script}}).Execute(ctx, job)

	require.Len(t, f.signals.sent(), 1, "pid of the orphaned runner is interrupted")
	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestBuildParams(t *testing.T) {
	params := BuildParams(
		map[string]any{"region": "us-east-1", "public": false, "artifact_name": "shadowed"},
		map[string]any{"region": "eu-west-1"},
		"nightly", "/tmp/a.img",
	)
	assert.Equal(t, map[string]any{
		"region":        "eu-west-1",
		"public":        false,
		"artifact_name": "nightly",
		"artifact_path": "/tmp/a.img",
	}, params)
}

func TestNewExecutor_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := NewExecutor(nil, ExecutorConfig{Targets: stubTargets{}})
	assert.Error(t, err)
	_, err = NewExecutor(f.queue, ExecutorConfig{})
	assert.Error(t, err)

	e, err := NewExecutor(f.queue, ExecutorConfig{Targets: stubTargets{}})
	require.NoError(t, err)
	assert.Equal(t, os.TempDir(), e.workDir)
}

func TestExecutor_UnencodableOutputStillCompletes(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		runner   *ProcessRunner
		wantLog  []string
		wantTail string
	}{
		{
			name:    "invalid utf-8",
			script:  "printf 'bin \\377\\376 done\\n'\n",
			runner:  &ProcessRunner{},
			wantLog: []string{"bin � done"},
		},
		{
			name:     "multibyte output over the cap",
			script:   "i=0\nwhile [ $i -lt 200 ]; do printf 'ü'; i=$((i+1)); done\nexit 1\n",
			runner:   &ProcessRunner{MaxOutput: 101},
			wantLog:  []string{"bytes truncated", "runner exited with code 1"},
			wantTail: strings.Repeat("ü", 50),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			script := writeScript(t, t.TempDir(), "noisy.sh", tt.script)
			job := f.running(t)

			e := newExecutor(t, f, ExecutorConfig{Targets: stubTargets{runner: script}, Runner: tt.runner})
			e.Execute(ctx, job)

			got, err := f.queue.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.True(t, got.Status.Terminal(), "status %s", got.Status)
			assert.False(t, got.EndedAt.IsZero())
			assert.True(t, utf8.ValidString(got.Log))
			for _, want := range tt.wantLog {
				assert.Contains(t, got.Log, want)
			}
			if tt.wantTail != "" {
				assert.Contains(t, got.Log, tt.wantTail)
			}

			listed, err := f.queue.List(ctx)
			require.NoError(t, err)
			require.Len(t, listed, 1)
		})
	}
}
