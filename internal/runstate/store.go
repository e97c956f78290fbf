// Package runstate reads and removes the per-run state documents that
// workflow scripts persist under <root>/<run_id>/adw_state.json.
package runstate

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"adwboard/internal/model"
)

const StateFileName = "adw_state.json"

var (
	ErrNotFound   = errors.New("run state not found")
	ErrIncomplete = errors.New("run state directory not fully removed")
)

type Store struct {
	root string
	fs   afs.Service
}

func New(root string) *Store {
	if strings.TrimSpace(root) == "" {
		root = "agents"
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Store{root: root, fs: afs.New()}
}

func (s *Store) Root() string { return s.root }

func (s *Store) Dir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) statePath(runID string) string {
	return filepath.Join(s.Dir(runID), StateFileName)
}

func (s *Store) Get(ctx context.Context, runID string) (model.RunRecord, error) {
	if err := model.ValidateRunID(runID); err != nil {
		return model.RunRecord{}, err
	}
	path := s.statePath(runID)
	ok, err := s.fs.Exists(ctx, path)
	if err != nil {
		return model.RunRecord{}, errors.Wrapf(err, "stat run state %s", runID)
	}
	if !ok {
		return model.RunRecord{}, errors.Wrapf(ErrNotFound, "run %s", runID)
	}
	data, err := s.fs.DownloadWithURL(ctx, path)
	if err != nil {
		return model.RunRecord{}, errors.Wrapf(err, "read run state %s", runID)
	}
	var record model.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.RunRecord{}, errors.Wrapf(err, "parse run state %s", runID)
	}
	if record.RunID == "" {
		record.RunID = runID
	}
	if record.RunID != runID {
		return model.RunRecord{}, errors.Errorf("run state %s carries mismatched id %q", runID, record.RunID)
	}
	return record, nil
}

// Save writes the whole document. Only the run-creation flow uses it; the
// teardown path never rewrites a record.
func (s *Store) Save(ctx context.Context, record model.RunRecord) error {
	if err := model.ValidateRunID(record.RunID); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run state")
	}
	if err := s.fs.Upload(ctx, s.statePath(record.RunID), file.DefaultFileOsMode, bytes.NewReader(append(data, '\n'))); err != nil {
		return errors.Wrapf(err, "write run state %s", record.RunID)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, runID string) (bool, error) {
	if err := model.ValidateRunID(runID); err != nil {
		return false, err
	}
	ok, err := s.fs.Exists(ctx, s.Dir(runID))
	if err != nil {
		return false, errors.Wrapf(err, "stat run dir %s", runID)
	}
	return ok, nil
}

// Delete removes the run's directory tree. Deleting an absent run is not an
// error. ErrIncomplete is returned when parts of the tree survive.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if err := model.ValidateRunID(runID); err != nil {
		return err
	}
	dir := s.Dir(runID)
	ok, err := s.fs.Exists(ctx, dir)
	if err != nil {
		return errors.Wrapf(err, "stat run dir %s", runID)
	}
	if !ok {
		return nil
	}
	deleteErr := s.fs.Delete(ctx, dir)
	remains, err := s.fs.Exists(ctx, dir)
	if err != nil {
		return errors.Wrapf(err, "stat run dir %s after delete", runID)
	}
	if remains {
		if deleteErr != nil {
			return errors.Wrapf(ErrIncomplete, "%s: %v", dir, deleteErr)
		}
		return errors.Wrapf(ErrIncomplete, "%s", dir)
	}
	return nil
}

// List returns every readable record, newest first. Unreadable documents
// are skipped.
func (s *Store) List(ctx context.Context) ([]model.RunRecord, error) {
	ok, err := s.fs.Exists(ctx, s.root)
	if err != nil {
		return nil, errors.Wrap(err, "stat state root")
	}
	if !ok {
		return []model.RunRecord{}, nil
	}
	objects, err := s.fs.List(ctx, s.root)
	if err != nil {
		return nil, errors.Wrap(err, "list state root")
	}
	out := make([]model.RunRecord, 0, len(objects))
	for _, object := range objects {
		name := object.Name()
		if !object.IsDir() || !model.ValidRunID(name) || strings.HasSuffix(strings.TrimRight(object.URL(), "/"), s.root) {
			continue
		}
		record, err := s.Get(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
