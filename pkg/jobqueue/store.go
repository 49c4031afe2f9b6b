package jobqueue

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	recordExt       = ".toml"
	recordMode      = 0o600
	rootMode        = 0o700
	recordsLockName = ".records.lock"
)

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>.toml
//	<root>/scheduler.lock
//	<root>/.records.lock
//
// Records embed destination settings, which may carry credentials, so every
// record file is owner-only (0600) and the root is 0700.
type Store struct {
	root string
}

// NewStore returns a store rooted at root. The directory is created on first
// write.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.root, jobID+recordExt)
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	if err := os.MkdirAll(s.root, rootMode); err != nil {
		return fmt.Errorf("create job store root: %w", err)
	}
	return os.Chmod(s.root, rootMode)
}

func checkJobID(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if strings.ContainsAny(jobID, `/\`) || strings.HasPrefix(jobID, ".") {
		return "", fmt.Errorf("invalid job_id %q", jobID)
	}
	return jobID, nil
}

// Write serializes the full record and replaces the previous version.
//
// The record is written to a temp file in the same directory, tightened to
// owner-only, synced and renamed over the final path, so readers never
// observe a partial record.
func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID, err := checkJobID(record.ID)
	if err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	b, err := toml.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, "."+jobID+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(recordMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("restrict temp job file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	finalPath := s.JobPath(jobID)
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	// Rename keeps the temp file mode; re-apply in case the umask widened it.
	if err := os.Chmod(finalPath, recordMode); err != nil {
		return fmt.Errorf("restrict job file: %w", err)
	}
	return nil
}

// Read loads one record. Missing records yield ErrNotFound; empty or
// malformed ones yield a *CorruptRecordError.
func (s *Store) Read(jobID string) (*JobRecord, error) {
	jobID, err := checkJobID(jobID)
	if err != nil {
		return nil, err
	}
	path := s.JobPath(jobID)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("read job record: %w", err)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		return nil, &CorruptRecordError{ID: jobID, Path: path, Err: fmt.Errorf("record is empty")}
	}

	var record JobRecord
	if err := toml.Unmarshal(b, &record); err != nil {
		return nil, &CorruptRecordError{ID: jobID, Path: path, Err: err}
	}
	if record.ID != jobID {
		return nil, &CorruptRecordError{ID: jobID, Path: path, Err: fmt.Errorf("record id %q does not match file name", record.ID)}
	}
	if !record.Status.Valid() {
		return nil, &CorruptRecordError{ID: jobID, Path: path, Err: fmt.Errorf("unknown status %q", record.Status)}
	}
	if record.Settings == nil {
		record.Settings = map[string]any{}
	}

	return &record, nil
}

// List returns every record that is present and parseable, oldest first.
// Corrupt records are skipped; see Scan to observe them.
func (s *Store) List() ([]JobRecord, error) {
	return s.Scan(nil)
}

// Scan is List with a callback for records that were skipped as corrupt.
func (s *Store) Scan(onCorrupt func(jobID string, err error)) ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		jobID := strings.TrimSuffix(name, recordExt)
		r, err := s.Read(jobID)
		if err != nil {
			// Deleted between ReadDir and Read, or unparseable: neither aborts a listing.
			if IsCorrupt(err) && onCorrupt != nil {
				onCorrupt(jobID, err)
			}
			continue
		}
		out = append(out, *r)
	}

	SortByCreated(out)
	return out, nil
}

// Delete removes a record.
func (s *Store) Delete(jobID string) error {
	jobID, err := checkJobID(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(s.JobPath(jobID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return fmt.Errorf("remove job record: %w", err)
	}
	return nil
}

// SortByCreated orders records oldest first, with the id as tie-break.
func SortByCreated(jobs []JobRecord) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
