package jobqueue

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter narrows a job listing. Zero value matches everything.
type Filter struct {
	// Statuses keeps jobs in any of these states.
	Statuses []JobStatus

	// Destination is a glob over the destination name (e.g., "s3-*").
	Destination string

	// ArtifactName is a glob over the artifact name (e.g., "nightly/**").
	ArtifactName string
}

// Validate checks the glob patterns.
func (f Filter) Validate() error {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
	}
	if f.Destination != "" && !doublestar.ValidatePattern(f.Destination) {
		return fmt.Errorf("invalid destination pattern %q", f.Destination)
	}
	if f.ArtifactName != "" && !doublestar.ValidatePattern(f.ArtifactName) {
		return fmt.Errorf("invalid artifact name pattern %q", f.ArtifactName)
	}
	return nil
}

// Match reports whether rec passes the filter. Patterns are assumed valid.
func (f Filter) Match(rec *JobRecord) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Destination != "" {
		if ok, err := doublestar.Match(f.Destination, rec.Destination); err != nil || !ok {
			return false
		}
	}
	if f.ArtifactName != "" {
		if ok, err := doublestar.Match(f.ArtifactName, rec.ArtifactName); err != nil || !ok {
			return false
		}
	}
	return true
}
