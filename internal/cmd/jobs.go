package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/pushq/pkg/jobqueue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage upload jobs",
	Long: `Create, inspect and control upload jobs.

Job ids may be abbreviated to any unique prefix, as shown by 'jobs list'.
Commands that print records accept --json for machine parsing.`,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job waiting for its artifact",
	Long: `Create a job against a destination. Settings come from an optional saved
profile with --set key=value pairs layered on top, and are validated against
the destination's descriptor before anything is written.

Examples:
  pushq jobs create -d s3-eu --name nightly --set region=eu-west-1 --set public=true
  pushq jobs create -d s3-eu --name nightly --profile prod`,
	Args: cobra.NoArgs,
	RunE: runJobsCreate,
}

var jobsReadyCmd = &cobra.Command{
	Use:   "ready <job_id> <artifact>",
	Short: "Supply the artifact and make a job schedulable",
	Long: `Mark a waiting job ready. The artifact is an absolute local path or an
s3://bucket/key URI. Repeating the command on a ready job replaces the artifact.`,
	Args: cobra.ExactArgs(2),
	RunE: runJobsReady,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the log of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a job that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsResetCmd = &cobra.Command{
	Use:   "reset <job_id>",
	Short: "Re-queue a finished, failed or cancelled job",
	Long: `Move a terminal job back to READY, optionally replacing its artifact name
and settings. Jobs that never received an artifact cannot be reset.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsReset,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a job, cancelling it first if needed",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old terminal jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsCreateCmd, jobsReadyCmd, jobsListCmd, jobsStatusCmd, jobsLogsCmd,
		jobsCancelCmd, jobsResetCmd, jobsDeleteCmd, jobsGCCmd)

	jobsCreateCmd.Flags().StringP("destination", "d", "", "Destination name (required)")
	jobsCreateCmd.Flags().String("name", "", "Artifact name (required)")
	jobsCreateCmd.Flags().String("profile", "", "Saved settings profile to start from")
	jobsCreateCmd.Flags().StringArray("set", nil, "Setting as key=value (repeatable)")
	jobsCreateCmd.Flags().Bool("json", false, "Output as JSON")
	_ = jobsCreateCmd.MarkFlagRequired("destination")

	jobsReadyCmd.Flags().Bool("json", false, "Output as JSON")

	jobsListCmd.Flags().StringSlice("status", nil, "Only jobs in these states (comma separated)")
	jobsListCmd.Flags().String("destination", "", "Only destinations matching this glob")
	jobsListCmd.Flags().String("match", "", "Only artifact names matching this glob")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")

	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")

	jobsLogsCmd.Flags().Int("tail", 0, "Show last N lines (0 = all)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow the log until the job ends")

	jobsResetCmd.Flags().String("name", "", "Replace the artifact name")
	jobsResetCmd.Flags().String("profile", "", "Replace settings from a saved profile")
	jobsResetCmd.Flags().StringArray("set", nil, "Replace settings with key=value pairs (repeatable)")
	jobsResetCmd.Flags().Bool("json", false, "Output as JSON")

	jobsGCCmd.Flags().String("max-age", "168h", "Delete terminal jobs that ended longer ago than this")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsCreate(cmd *cobra.Command, _ []string) error {
	dest, _ := cmd.Flags().GetString("destination")
	name, _ := cmd.Flags().GetString("name")
	profile, _ := cmd.Flags().GetString("profile")
	pairs, _ := cmd.Flags().GetStringArray("set")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	overrides, err := parseSettings(env.registry, dest, pairs)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --set value", err)
	}
	settings, err := env.profiles.Merge(dest, profile, overrides)
	if err != nil {
		return err
	}

	rec, err := env.queue.Create(cmd.Context(), jobqueue.CreateRequest{
		Destination:  dest,
		ArtifactName: name,
		Settings:     settings,
	})
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), env, rec, jsonOutput)
}

func runJobsReady(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := resolveJobID(cmd.Context(), env.queue, args[0])
	if err != nil {
		return err
	}
	rec, err := env.queue.MarkReady(cmd.Context(), id, args[1])
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), env, rec, jsonOutput)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	statuses, _ := cmd.Flags().GetStringSlice("status")
	destGlob, _ := cmd.Flags().GetString("destination")
	nameGlob, _ := cmd.Flags().GetString("match")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	filter := jobqueue.Filter{Destination: destGlob, ArtifactName: nameGlob}
	for _, raw := range statuses {
		s, err := jobqueue.ParseStatus(raw)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		filter.Statuses = append(filter.Statuses, s)
	}

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	jobs, err := env.queue.ListFiltered(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		summaries := make([]jobqueue.Summary, 0, len(jobs))
		for i := range jobs {
			summaries = append(summaries, redactedSummary(env, &jobs[i]))
		}
		return encodeJSON(out, summaries)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tDESTINATION\tARTIFACT\tCREATED\tENDED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.ID),
			j.Status,
			j.Destination,
			orDash(j.ArtifactName),
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.EndedAt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := resolveJobID(cmd.Context(), env.queue, args[0])
	if err != nil {
		return err
	}
	rec, err := env.queue.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), env, rec, jsonOutput)
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tailN, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	id, err := resolveJobID(ctx, env.queue, args[0])
	if err != nil {
		return err
	}
	rec, err := env.queue.Get(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if tailN > 0 {
		for _, line := range tailLines(rec.Log, tailN) {
			_, _ = fmt.Fprintln(out, line)
		}
	} else {
		_, _ = io.WriteString(out, rec.Log)
	}
	if !follow {
		return nil
	}
	return followLog(ctx, env.queue, id, len(rec.Log), out)
}

// followLog polls the record and prints appended log text until the job is
// terminal or ctx ends.
func followLog(ctx context.Context, q *jobqueue.Queue, id string, offset int, out io.Writer) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		rec, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		if len(rec.Log) > offset {
			_, _ = io.WriteString(out, rec.Log[offset:])
			offset = len(rec.Log)
		}
		if rec.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func tailLines(text string, n int) []string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := resolveJobID(cmd.Context(), env.queue, args[0])
	if err != nil {
		return err
	}
	rec, err := env.queue.Cancel(cmd.Context(), id)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\nstatus=%s\n", rec.ID, rec.Status)
	return nil
}

func runJobsReset(cmd *cobra.Command, args []string) error {
	profile, _ := cmd.Flags().GetString("profile")
	pairs, _ := cmd.Flags().GetStringArray("set")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	id, err := resolveJobID(ctx, env.queue, args[0])
	if err != nil {
		return err
	}

	var opts jobqueue.ResetOptions
	if cmd.Flags().Changed("name") {
		name, _ := cmd.Flags().GetString("name")
		opts.ArtifactName = &name
	}
	if profile != "" || len(pairs) > 0 {
		current, err := env.queue.Get(ctx, id)
		if err != nil {
			return err
		}
		overrides, err := parseSettings(env.registry, current.Destination, pairs)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --set value", err)
		}
		opts.Settings, err = env.profiles.Merge(current.Destination, profile, overrides)
		if err != nil {
			return err
		}
	}

	rec, err := env.queue.Reset(ctx, id, opts)
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), env, rec, jsonOutput)
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := resolveJobID(cmd.Context(), env.queue, args[0])
	if err != nil {
		return err
	}
	if err := env.queue.Delete(cmd.Context(), id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted=%s\n", id)
	return nil
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("max-age must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	env, err := openEnvironment(nil)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	jobs, err := env.queue.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	deleted := 0
	for _, j := range jobs {
		// Only prune terminal states.
		if !j.Status.Terminal() || j.EndedAt.IsZero() {
			continue
		}
		if now.Sub(j.EndedAt.UTC()) <= maxAge {
			continue
		}
		if !dryRun {
			if err := env.queue.Delete(ctx, j.ID); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to delete job", err)
			}
		}
		deleted++
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		return encodeJSON(out, res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", deleted)
	return nil
}

func redactedSummary(env *environment, rec *jobqueue.JobRecord) jobqueue.Summary {
	s := rec.Summary()
	s.Settings = env.registry.Redact(rec.Destination, s.Settings)
	return s
}

func printJob(out io.Writer, env *environment, rec *jobqueue.JobRecord, jsonOutput bool) error {
	s := redactedSummary(env, rec)
	if jsonOutput {
		return encodeJSON(out, s)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", s.ID)
	_, _ = fmt.Fprintf(out, "status=%s\n", s.Status)
	_, _ = fmt.Fprintf(out, "destination=%s\n", s.Destination)
	_, _ = fmt.Fprintf(out, "artifact_name=%s\n", s.ArtifactName)
	if s.ArtifactPath != "" {
		_, _ = fmt.Fprintf(out, "artifact_path=%s\n", s.ArtifactPath)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", s.CreatedAt.UTC().Format(time.RFC3339))
	if !rec.StartedAt.IsZero() {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", formatOptionalTime(rec.StartedAt))
	}
	if !rec.EndedAt.IsZero() {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", formatOptionalTime(rec.EndedAt))
	}
	keys := make([]string, 0, len(s.Settings))
	for k := range s.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(out, "settings.%s=%v\n", k, s.Settings[k])
	}
	return nil
}

func encodeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveJobID(ctx context.Context, q *jobqueue.Queue, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("job_id is required"))
	}

	// Exact match first; a corrupt record is still addressable by full id.
	if _, err := q.Get(ctx, input); err == nil || jobqueue.IsCorrupt(err) {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := q.List(ctx)
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.ID, input) {
			matches = append(matches, j.ID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", jobqueue.ErrNotFound, input)
	}
	if len(matches) > 1 {
		return "", exitError(foundry.ExitInvalidArgument, "Ambiguous job id",
			fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id or --json", len(matches)))
	}
	return matches[0], nil
}
