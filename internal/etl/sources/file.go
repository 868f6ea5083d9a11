// Package sources holds the Source adapters. Each file registers its type
// tags with the etl registry from init().
package sources

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"tabflow/internal/config"
	"tabflow/internal/etl"
	"tabflow/internal/fsutil"
	"tabflow/internal/logging"
)

// ── File Source Base ───────────────────────────────────────
// Units are paths relative to the source location. Every batch gets a
// filename column. Archiving moves the file under the archive or fail
// location, keeping its relative path.

// FilenameColumn is added to every batch read from a file.
const FilenameColumn = "filename"

type fileParser func(path string) ([]*etl.Batch, error)

type fileSource struct {
	label    string
	root     string
	archive  string
	fail     string
	pattern  string
	minAge   time.Duration
	parse    fileParser
	now      func() time.Time
	excludes []string
}

func newFileSource(label string, cfg config.FileSourceConfig, parse fileParser) (*fileSource, error) {
	if cfg.SourceLocation == "" {
		return nil, fmt.Errorf("%w: FILE_SOURCE_LOCATION is not set", etl.ErrConfiguration)
	}
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: file pattern %q: %w", etl.ErrConfiguration, pattern, err)
	}
	s := &fileSource{
		label:   label,
		root:    filepath.Clean(cfg.SourceLocation),
		archive: cfg.ArchiveLocation,
		fail:    cfg.FailLocation,
		pattern: pattern,
		minAge:  cfg.MinAge,
		parse:   parse,
		now:     time.Now,
	}
	for _, loc := range []string{cfg.ArchiveLocation, cfg.FailLocation} {
		if loc != "" {
			s.excludes = append(s.excludes, filepath.Clean(loc))
		}
	}
	return s, nil
}

func (s *fileSource) Label() string { return s.label }

// DataUnits walks the source tree for files matching the pattern that are
// older than the minimum age. Archive and fail trees are skipped when they
// sit inside the source tree.
func (s *fileSource) DataUnits(ctx context.Context) ([]string, error) {
	var units []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.root && slices.Contains(s.excludes, filepath.Clean(path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(s.pattern, d.Name()); !ok || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if s.now().Sub(info.ModTime()) <= s.minAge {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		units = append(units, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %w", etl.ErrSourceData, s.root, err)
	}
	slices.Sort(units)
	return units, nil
}

func (s *fileSource) Read(_ context.Context, unit string) ([]*etl.Batch, error) {
	batches, err := s.parse(filepath.Join(s.root, unit))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read file %q: %w", etl.ErrSourceData, unit, err)
	}
	for _, b := range batches {
		b.AddColumn(FilenameColumn, filepath.Base(unit))
	}
	return batches, nil
}

// Archive moves the unit to the archive location (done) or the fail
// location. A missing location is fatal. A file that is already gone is
// not an error, which makes repeated calls harmless.
func (s *fileSource) Archive(ctx context.Context, unit string, done bool) error {
	location, label := s.archive, "archive"
	if !done {
		location, label = s.fail, "fail"
	}
	if location == "" {
		return fmt.Errorf("%w: %s location is not specified", etl.ErrLocationNotConfigured, label)
	}

	src := filepath.Join(s.root, unit)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(location, unit)
	if err := fsutil.Move(src, dst); err != nil {
		return fmt.Errorf("%w: %s %s: %w", etl.ErrSourceData, label, unit, err)
	}
	logging.FromContext(ctx).Info("archived file", "unit", unit, "to", dst)
	return nil
}
