package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pushq/pkg/destination"
	"github.com/3leaps/pushq/pkg/jobqueue"
)

const testDescriptor = `display_name: Test bucket
runner: upload.sh
settings:
  region:
    type: string
    default: us-east-1
    pattern: "[a-z]{2}-[a-z]+-[0-9]"
  token:
    type: string
    secret: true
  public:
    type: boolean
    default: false
`

type cliFixture struct {
	dataDir  string
	destDir  string
	profDir  string
	artifact string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("PUSHQ_CONFIG", "")

	root := t.TempDir()
	f := &cliFixture{
		dataDir: filepath.Join(root, "data"),
		destDir: filepath.Join(root, "destinations"),
		profDir: filepath.Join(root, "profiles"),
	}
	dir := filepath.Join(f.destDir, "bucket")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, destination.DescriptorFile), []byte(testDescriptor), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "upload.sh"), []byte("#!/bin/sh\nexit 0\n"), 0o755))

	f.artifact = filepath.Join(root, "disk.raw")
	require.NoError(t, os.WriteFile(f.artifact, []byte("image"), 0o644))
	return f
}

// run executes the root command with the fixture's directories and returns
// stdout. Flag state is reset afterwards since commands are package globals.
func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{
		"--data-dir", f.dataDir,
		"--destinations-dir", f.destDir,
		"--profiles-dir", f.profDir,
	}, args...)

	rootCmd.SetArgs(full)
	rootCmd.SetOut(&out)
	rootCmd.SetContext(context.Background())
	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	rootCmd.SetOut(nil)
	resetFlags(rootCmd)
	return out.String(), err
}

func (f *cliFixture) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := f.run(t, args...)
	require.NoError(t, err, "pushq %s", strings.Join(args, " "))
	return out
}

func (f *cliFixture) createJSON(t *testing.T, args ...string) jobqueue.Summary {
	t.Helper()
	out := f.mustRun(t, append([]string{"jobs", "create", "--json"}, args...)...)
	var s jobqueue.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	return s
}

func resetFlags(cmd *cobra.Command) {
	reset := func(fl *pflag.Flag) {
		if sv, ok := fl.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = fl.Value.Set(fl.DefValue)
		}
		fl.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestJobsCreateReadyStatus(t *testing.T) {
	f := newCLIFixture(t)

	created := f.createJSON(t, "-d", "bucket", "--name", "nightly", "--set", "region=eu-west-1", "--set", "public=true")
	assert.Equal(t, jobqueue.StatusWaiting, created.Status)
	assert.Equal(t, "bucket", created.Destination)
	assert.Equal(t, map[string]any{"region": "eu-west-1", "public": true}, created.Settings)

	out := f.mustRun(t, "jobs", "ready", created.ID, f.artifact)
	assert.Contains(t, out, "status=READY")
	assert.Contains(t, out, "artifact_path="+f.artifact)

	out = f.mustRun(t, "jobs", "status", shortJobID(created.ID))
	assert.Contains(t, out, "job_id="+created.ID)
	assert.Contains(t, out, "settings.region=eu-west-1")
}

func TestJobsCreateValidationFailure(t *testing.T) {
	f := newCLIFixture(t)

	_, err := f.run(t, "jobs", "create", "-d", "bucket", "--name", "x", "--set", "region=nowhere")
	require.Error(t, err)
	assert.True(t, jobqueue.IsValidation(err))
	assert.Equal(t, foundry.ExitInvalidArgument, exitCodeFor(err))

	out := f.mustRun(t, "jobs", "list")
	assert.Contains(t, out, "No jobs found")
}

func TestJobsCreateUnknownSettingRejected(t *testing.T) {
	f := newCLIFixture(t)

	_, err := f.run(t, "jobs", "create", "-d", "bucket", "--name", "x", "--set", "colour=red")
	require.Error(t, err)
}

func TestJobsListFilters(t *testing.T) {
	f := newCLIFixture(t)

	a := f.createJSON(t, "-d", "bucket", "--name", "alpha")
	f.createJSON(t, "-d", "bucket", "--name", "beta")
	f.mustRun(t, "jobs", "ready", a.ID, f.artifact)

	out := f.mustRun(t, "jobs", "list", "--status", "ready", "--json")
	var jobs []jobqueue.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, a.ID, jobs[0].ID)

	out = f.mustRun(t, "jobs", "list", "--match", "be*")
	assert.Contains(t, out, "beta")
	assert.NotContains(t, out, "alpha")

	_, err := f.run(t, "jobs", "list", "--status", "bogus")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCodeFor(err))
}

func TestJobsCancelResetDelete(t *testing.T) {
	f := newCLIFixture(t)

	j := f.createJSON(t, "-d", "bucket", "--name", "img")
	f.mustRun(t, "jobs", "ready", j.ID, f.artifact)

	out := f.mustRun(t, "jobs", "cancel", j.ID)
	assert.Contains(t, out, "status=CANCELLED")

	_, err := f.run(t, "jobs", "cancel", j.ID)
	require.Error(t, err)

	out = f.mustRun(t, "jobs", "reset", j.ID, "--name", "img2", "--set", "region=eu-north-1", "--json")
	var s jobqueue.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, jobqueue.StatusReady, s.Status)
	assert.Equal(t, "img2", s.ArtifactName)
	assert.Equal(t, "eu-north-1", s.Settings["region"])

	out = f.mustRun(t, "jobs", "delete", j.ID)
	assert.Contains(t, out, "deleted="+j.ID)

	_, err = f.run(t, "jobs", "status", j.ID)
	require.Error(t, err)
	assert.True(t, jobqueue.IsNotFound(err))
}

func TestJobsResetWaitingJobRejected(t *testing.T) {
	f := newCLIFixture(t)

	j := f.createJSON(t, "-d", "bucket", "--name", "img")
	f.mustRun(t, "jobs", "cancel", j.ID)

	_, err := f.run(t, "jobs", "reset", j.ID)
	require.Error(t, err)
	assert.True(t, jobqueue.IsState(err))
}

func TestJobsSecretSettingsRedacted(t *testing.T) {
	f := newCLIFixture(t)

	j := f.createJSON(t, "-d", "bucket", "--name", "img", "--set", "token=hunter2")
	assert.Equal(t, destination.RedactedValue, j.Settings["token"])

	out := f.mustRun(t, "jobs", "status", j.ID)
	assert.NotContains(t, out, "hunter2")

	rec, err := jobqueue.NewStore(filepath.Join(f.dataDir, "jobs")).Read(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", rec.Settings["token"])
}

func TestJobsCreateFromProfile(t *testing.T) {
	f := newCLIFixture(t)

	f.mustRun(t, "profiles", "save", "bucket", "prod", "--set", "region=eu-west-1", "--set", "public=true")

	j := f.createJSON(t, "-d", "bucket", "--name", "img", "--profile", "prod", "--set", "public=false")
	assert.Equal(t, "eu-west-1", j.Settings["region"])
	assert.Equal(t, false, j.Settings["public"])

	_, err := f.run(t, "jobs", "create", "-d", "bucket", "--name", "img", "--profile", "missing")
	require.Error(t, err)
}

func TestJobsLogsTail(t *testing.T) {
	f := newCLIFixture(t)

	j := f.createJSON(t, "-d", "bucket", "--name", "img")
	f.mustRun(t, "jobs", "ready", j.ID, f.artifact)

	out := f.mustRun(t, "jobs", "logs", j.ID)
	require.NotEmpty(t, out)

	out = f.mustRun(t, "jobs", "logs", j.ID, "--tail", "1")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestJobsGC(t *testing.T) {
	f := newCLIFixture(t)

	old := f.createJSON(t, "-d", "bucket", "--name", "old")
	f.mustRun(t, "jobs", "cancel", old.ID)
	fresh := f.createJSON(t, "-d", "bucket", "--name", "fresh")
	f.mustRun(t, "jobs", "cancel", fresh.ID)

	store := jobqueue.NewStore(filepath.Join(f.dataDir, "jobs"))
	rec, err := store.Read(old.ID)
	require.NoError(t, err)
	ended := time.Now().Add(-30 * 24 * time.Hour).UTC()
	rec.EndedAt = ended
	require.NoError(t, store.Write(rec))

	out := f.mustRun(t, "jobs", "gc", "--dry-run")
	assert.Equal(t, "would_delete=1\n", out)

	out = f.mustRun(t, "jobs", "gc", "--json")
	var res jobsGCResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Deleted)

	_, err = store.Read(old.ID)
	assert.True(t, jobqueue.IsNotFound(err))
	_, err = store.Read(fresh.ID)
	assert.NoError(t, err)

	_, err = f.run(t, "jobs", "gc", "--max-age=-1h")
	require.Error(t, err)
}

func TestResolveJobID(t *testing.T) {
	store := jobqueue.NewStore(t.TempDir())
	q, err := jobqueue.NewQueue(store, jobqueue.QueueConfig{Validator: destination.NewRegistry(t.TempDir())})
	require.NoError(t, err)

	now := time.Now().UTC()
	for _, id := range []string{"abc111", "abc222", "def333"} {
		require.NoError(t, store.Write(&jobqueue.JobRecord{
			ID:          id,
			Destination: "bucket",
			Status:      jobqueue.StatusWaiting,
			CreatedAt:   now,
			UpdatedAt:   now,
		}))
	}
	ctx := context.Background()

	id, err := resolveJobID(ctx, q, "abc222")
	require.NoError(t, err)
	assert.Equal(t, "abc222", id)

	id, err = resolveJobID(ctx, q, " def ")
	require.NoError(t, err)
	assert.Equal(t, "def333", id)

	_, err = resolveJobID(ctx, q, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous (2 matches)")

	_, err = resolveJobID(ctx, q, "zzz")
	require.Error(t, err)
	assert.True(t, jobqueue.IsNotFound(err))

	_, err = resolveJobID(ctx, q, "  ")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCodeFor(err))
}

func TestDestinationsAndProfilesCommands(t *testing.T) {
	f := newCLIFixture(t)

	out := f.mustRun(t, "destinations", "list")
	assert.Contains(t, out, "bucket")
	assert.Contains(t, out, "Test bucket")

	out = f.mustRun(t, "destinations", "show", "bucket")
	assert.Contains(t, out, "runner=upload.sh")
	assert.Contains(t, out, "region")

	_, err := f.run(t, "destinations", "show", "nope")
	require.Error(t, err)

	f.mustRun(t, "profiles", "save", "bucket", "dev", "--set", "token=s3cr3t")
	out = f.mustRun(t, "profiles", "list", "bucket")
	assert.Equal(t, "dev\n", out)

	out = f.mustRun(t, "profiles", "show", "bucket", "dev")
	assert.Contains(t, out, "token="+destination.RedactedValue)
	out = f.mustRun(t, "profiles", "show", "bucket", "dev", "--reveal")
	assert.Contains(t, out, "token=s3cr3t")

	f.mustRun(t, "profiles", "delete", "bucket", "dev")
	out = f.mustRun(t, "profiles", "list", "bucket")
	assert.Contains(t, out, "No profiles found")
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want []string
	}{
		{name: "empty", text: "", n: 3, want: nil},
		{name: "fewer than n", text: "a\nb\n", n: 3, want: []string{"a", "b"}},
		{name: "last n", text: "a\nb\nc\nd\n", n: 2, want: []string{"c", "d"}},
		{name: "no trailing newline", text: "a\nb", n: 1, want: []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tailLines(tt.text, tt.n))
		})
	}
}

func TestShortJobIDAndFormatting(t *testing.T) {
	assert.Equal(t, "abc", shortJobID(" abc "))
	assert.Equal(t, "0123456789ab", shortJobID("0123456789abcdef"))
	assert.Equal(t, "-", formatOptionalTime(time.Time{}))
	assert.Equal(t, "-", orDash(""))

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "2026-01-02T03:04:05Z", formatOptionalTime(ts))
}
