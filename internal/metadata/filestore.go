package metadata

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"tabflow/internal/etl"
	"tabflow/internal/fsutil"
	"tabflow/internal/logging"
)

// FileStore keeps one JSON record per file under a directory tree. It
// assumes a single consumer: the conditional claim re-reads the file and
// checks the status, which narrows but does not close the race.
type FileStore struct {
	root    string
	pattern string
}

// NewFileStore returns a store over files matching pattern (a glob on the
// base name) anywhere below root.
func NewFileStore(root, pattern string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: metadata location is not set", etl.ErrConfiguration)
	}
	if pattern == "" {
		pattern = "*.json"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: metadata file pattern %q: %w", etl.ErrConfiguration, pattern, err)
	}
	return &FileStore{root: root, pattern: pattern}, nil
}

func (s *FileStore) List(ctx context.Context) ([]*Record, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(s.pattern, d.Name()); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan metadata location: %w", etl.ErrSourceData, err)
	}
	slices.Sort(paths)

	var recs []*Record
	for _, p := range paths {
		r, err := s.read(p)
		if err != nil {
			logging.FromContext(ctx).Warn("skipping unreadable metadata", "path", p, "error", err)
			continue
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func (s *FileStore) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRecord(data, path)
}

func (s *FileStore) Save(_ context.Context, r *Record, conditional bool) error {
	if conditional {
		current, err := s.read(r.Path)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrClaimConflict, r.Path, err)
		}
		if current.Status != StatusReady {
			return fmt.Errorf("%w: %s is %s", ErrClaimConflict, r.Path, current.Status)
		}
	}
	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("%w: encode metadata %s: %w", etl.ErrSourceData, r.ID, err)
	}
	if err := fsutil.WriteFileAtomic(r.Path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write metadata %s: %w", etl.ErrSourceData, r.Path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
