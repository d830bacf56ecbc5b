// Package checkpoint snapshots live mission state to a relational row and
// a JSON file backup, maintains the latest.json pointer, and prunes
// expired snapshots. Either half of the dual write is sufficient to
// rebuild a mission.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flightline-ai/squawk/model"
)

// LatestPointer is the name of the newest-checkpoint pointer in the
// checkpoint directory.
const LatestPointer = "latest.json"

// ErrInvalidFile marks a checkpoint file that fails schema validation.
var ErrInvalidFile = errors.New("invalid checkpoint file")

// FileStore is the file-backed half of the checkpoint dual write. All
// files live flat in one directory as {id}.json plus the latest.json
// pointer.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (f *FileStore) Dir() string { return f.dir }

// Write persists a checkpoint as {id}.json via a temp file and rename.
func (f *FileStore) Write(cp model.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, cp.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(cp.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to place checkpoint file: %w", err)
	}
	return nil
}

// Read loads and validates one checkpoint file.
func (f *FileStore) Read(id string) (model.Checkpoint, error) {
	return readFile(f.path(id))
}

// List returns every valid checkpoint in the directory. Files failing
// validation are skipped; the caller treats them as integrity warnings.
func (f *FileStore) List() ([]model.Checkpoint, []error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read checkpoint dir: %w", err)}
	}
	var cps []model.Checkpoint
	var warnings []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == LatestPointer || !strings.HasSuffix(name, ".json") {
			continue
		}
		cp, err := readFile(filepath.Join(f.dir, name))
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", name, err))
			continue
		}
		cps = append(cps, cp)
	}
	return cps, warnings
}

// LatestFor returns the newest valid checkpoint for a mission by scanning
// the directory.
func (f *FileStore) LatestFor(missionID string) (model.Checkpoint, error) {
	cps, _ := f.List()
	var best *model.Checkpoint
	for i := range cps {
		if cps[i].MissionID != missionID {
			continue
		}
		if best == nil || cps[i].Timestamp.After(best.Timestamp) {
			best = &cps[i]
		}
	}
	if best == nil {
		return model.Checkpoint{}, os.ErrNotExist
	}
	return *best, nil
}

// Delete removes one checkpoint file. Missing files are not an error.
func (f *FileStore) Delete(id string) error {
	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

// RefreshLatest repoints latest.json at the newest checkpoint file, or
// removes it when no checkpoints remain. A symlink is preferred; on
// filesystems without symlink support the file is copied.
func (f *FileStore) RefreshLatest() error {
	cps, _ := f.List()
	pointer := filepath.Join(f.dir, LatestPointer)
	if len(cps) == 0 {
		if err := os.Remove(pointer); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove latest pointer: %w", err)
		}
		return nil
	}

	sort.Slice(cps, func(i, j int) bool { return cps[i].Timestamp.After(cps[j].Timestamp) })
	newest := cps[0].ID + ".json"

	_ = os.Remove(pointer)
	if err := os.Symlink(newest, pointer); err == nil {
		return nil
	}
	// Symlink unsupported: fall back to copying the newest file.
	data, err := os.ReadFile(filepath.Join(f.dir, newest))
	if err != nil {
		return fmt.Errorf("failed to read newest checkpoint for pointer copy: %w", err)
	}
	if err := os.WriteFile(pointer, data, 0o644); err != nil {
		return fmt.Errorf("failed to write latest pointer: %w", err)
	}
	return nil
}

// Latest resolves the latest.json pointer.
func (f *FileStore) Latest() (model.Checkpoint, error) {
	return readFile(filepath.Join(f.dir, LatestPointer))
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// readFile loads one file and enforces the checkpoint schema: required
// identifiers, a parsable timestamp, and progress within [0,100].
func readFile(path string) (model.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Checkpoint{}, err
	}

	var probe struct {
		ID              string   `json:"id"`
		MissionID       string   `json:"mission_id"`
		Timestamp       string   `json:"timestamp"`
		ProgressPercent *float64 `json:"progress_percent"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return model.Checkpoint{}, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidFile, err)
	}
	if probe.ID == "" || probe.MissionID == "" {
		return model.Checkpoint{}, fmt.Errorf("%w: missing id or mission_id", ErrInvalidFile)
	}
	if probe.Timestamp == "" {
		return model.Checkpoint{}, fmt.Errorf("%w: missing timestamp", ErrInvalidFile)
	}
	if _, err := time.Parse(time.RFC3339Nano, probe.Timestamp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("%w: unparsable timestamp %q", ErrInvalidFile, probe.Timestamp)
	}
	if probe.ProgressPercent == nil || *probe.ProgressPercent < 0 || *probe.ProgressPercent > 100 {
		return model.Checkpoint{}, fmt.Errorf("%w: progress_percent out of range", ErrInvalidFile)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	return cp, nil
}
