package jobqueue

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an upload job.
//
// NOTE: These values are persisted in the job record and are part of the stable
// on-disk contract.
type JobStatus string

const (
	StatusWaiting   JobStatus = "WAITING"
	StatusReady     JobStatus = "READY"
	StatusRunning   JobStatus = "RUNNING"
	StatusFinished  JobStatus = "FINISHED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []JobStatus{
	StatusWaiting,
	StatusReady,
	StatusRunning,
	StatusFinished,
	StatusFailed,
	StatusCancelled,
}

// Cancellable reports whether a job in this state can still run normally.
func (s JobStatus) Cancellable() bool {
	switch s {
	case StatusWaiting, StatusReady, StatusRunning:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state is final until an explicit reset.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus accepts a state name in any case.
func ParseStatus(value string) (JobStatus, error) {
	s := JobStatus(strings.ToUpper(strings.TrimSpace(value)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", value)
	}
	return s, nil
}

// JobRecord is the persistent record of one upload request.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	ID           string         `toml:"id" json:"id"`
	Destination  string         `toml:"destination" json:"destination"`
	ArtifactName string         `toml:"artifact_name" json:"artifact_name"`
	Settings     map[string]any `toml:"settings" json:"settings"`
	Status       JobStatus      `toml:"status" json:"status"`
	ArtifactPath string         `toml:"artifact_path,omitempty" json:"artifact_path,omitempty"`
	RunnerPID    int            `toml:"runner_pid,omitempty" json:"runner_pid,omitempty"`
	CreatedAt    time.Time      `toml:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `toml:"updated_at" json:"updated_at"`

	// Zero until the job is claimed or ends.
	StartedAt time.Time `toml:"started_at" json:"started_at,omitzero"`
	EndedAt   time.Time `toml:"ended_at" json:"ended_at,omitzero"`

	Log string `toml:"log,multiline" json:"log,omitempty"`
}

// Summary is the caller-facing view of a job. It never carries the log.
type Summary struct {
	ID           string         `json:"id"`
	Status       JobStatus      `json:"status"`
	Destination  string         `json:"destination"`
	ArtifactName string         `json:"artifact_name"`
	ArtifactPath string         `json:"artifact_path,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Settings     map[string]any `json:"settings"`
}

// Summary returns the log-free view of the record.
func (r *JobRecord) Summary() Summary {
	return Summary{
		ID:           r.ID,
		Status:       r.Status,
		Destination:  r.Destination,
		ArtifactName: r.ArtifactName,
		ArtifactPath: r.ArtifactPath,
		CreatedAt:    r.CreatedAt,
		Settings:     cloneSettings(r.Settings),
	}
}

// appendLog adds a timestamped line to the record log.
func (r *JobRecord) appendLog(now time.Time, format string, args ...any) {
	line := sanitizeLog(fmt.Sprintf(format, args...))
	r.Log += now.UTC().Format(time.RFC3339) + " " + strings.TrimRight(line, "\n") + "\n"
}

// sanitizeLog replaces invalid UTF-8, which TOML strings cannot hold.
func sanitizeLog(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func cloneSettings(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
