package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oraclerunner/runner/internal/job"
)

// RetentionWindow is how long a terminal job survives before Cleanup
// removes it, per spec.md §4.1 (default seven days).
const RetentionWindow = 7 * 24 * time.Hour

const fileName = "scheduled-jobs.json"

// onDiskJob is an alias of job.Job, so the file is unmarshaled straight into
// job.Job; an old file with unknown extra fields loads without error — spec.md §6's
// "backward-compatible evolution: unknown fields are ignored on load" is
// exactly encoding/json's default behavior for a struct target, so no
// custom unmarshaler is needed; the alias exists for documentation.
type onDiskJob = job.Job

// FileStore is a single JSON file of Job records, one per persistenceDir,
// with crash-safe writes: every mutation rewrites the whole file to a
// temp path in the same directory, fsyncs it, then renames it over the
// target — so a crash mid-write leaves either the old file or the new
// one, never a partial file. All operations are serialized by mu, so no
// external locking is required (spec.md §4.1).
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore opens (or creates) the job store file under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create persistence dir: %w", err)
	}
	fs := &FileStore{path: filepath.Join(dir, fileName)}
	if _, err := os.Stat(fs.path); os.IsNotExist(err) {
		if err := fs.writeAll(nil); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (s *FileStore) readAll() ([]onDiskJob, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var jobs []onDiskJob
	if err := json.Unmarshal(b, &jobs); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", s.path, err)
	}
	return jobs, nil
}

func (s *FileStore) writeAll(jobs []onDiskJob) error {
	if jobs == nil {
		jobs = []onDiskJob{}
	}
	b, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".scheduled-jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

func (s *FileStore) SaveJob(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.readAll()
	if err != nil {
		return err
	}

	replaced := false
	for i := range jobs {
		if jobs[i].ID == j.ID {
			jobs[i] = j
			replaced = true
			break
		}
	}
	if !replaced {
		jobs = append(jobs, j)
	}
	return s.writeAll(jobs)
}

func (s *FileStore) UpdateJob(_ context.Context, id string, patch Patch) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.readAll()
	if err != nil {
		return job.Job{}, err
	}

	for i := range jobs {
		if jobs[i].ID != id {
			continue
		}
		applyPatch(&jobs[i], patch)
		if err := s.writeAll(jobs); err != nil {
			return job.Job{}, err
		}
		return jobs[i], nil
	}
	return job.Job{}, &ErrNotFound{ID: id}
}

func applyPatch(j *job.Job, patch Patch) {
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.Type != nil {
		j.Type = *patch.Type
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if patch.ResolveTime != nil {
		j.ResolveTime = *patch.ResolveTime
	}
	if patch.ClearLastErr {
		j.LastError = ""
	} else if patch.LastError != nil {
		j.LastError = *patch.LastError
	}
	if patch.CorrelationID != nil {
		j.CorrelationID = *patch.CorrelationID
	}
	// updatedAt is strictly non-decreasing (job.Job invariant 4): if the
	// clock hasn't moved since CreatedAt/previous UpdatedAt (e.g. a fake
	// clock in tests, or two patches within the same nanosecond), bump it
	// by one nanosecond rather than writing an equal or earlier stamp.
	now := time.Now().UTC()
	if !now.After(j.UpdatedAt) {
		now = j.UpdatedAt.Add(time.Nanosecond)
	}
	j.UpdatedAt = now
}

func (s *FileStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.readAll()
	if err != nil {
		return err
	}

	out := jobs[:0]
	found := false
	for _, j := range jobs {
		if j.ID == id {
			found = true
			continue
		}
		out = append(out, j)
	}
	if !found {
		return &ErrNotFound{ID: id}
	}
	return s.writeAll(out)
}

func (s *FileStore) LoadJobs(_ context.Context) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]job.Job, len(jobs))
	copy(out, jobs)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.readAll()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-RetentionWindow)
	out := jobs[:0]
	removed := 0
	for _, j := range jobs {
		if j.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			removed++
			continue
		}
		out = append(out, j)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.writeAll(out); err != nil {
		return 0, err
	}
	return removed, nil
}
