// Package destinations holds the Repository adapters. Each file registers
// its type tag with the etl registry from init().
package destinations

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tabflow/internal/config"
	"tabflow/internal/etl"
	"tabflow/internal/logging"
)

// ── CSV Repository ─────────────────────────────────────────
// Writes every committed batch to one delimited file. The header is written
// once: by the first commit into a new or truncated file. Appending to a
// non-empty file keeps that file's header. Every batch is written in the
// header's column order.

func init() {
	etl.RegisterRepository("csv", func(_ context.Context, env etl.Env) (etl.Repository, error) {
		return newCSVRepository(env.Config.CSVRepo)
	})
}

// CSVTimeLayout renders time values.
const CSVTimeLayout = "2006-01-02 15:04:05"

type csvRepository struct {
	path    string
	sep     rune
	decimal string

	mu       sync.Mutex
	truncate bool
	header   []string
}

func newCSVRepository(cfg config.CSVRepositoryConfig) (*csvRepository, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: CSV_REPO_PATH is not set", etl.ErrConfiguration)
	}
	sep := ','
	if cfg.Separator != "" {
		if cfg.Separator == `\t` || cfg.Separator == "tab" {
			sep = '\t'
		} else if utf8.RuneCountInString(cfg.Separator) == 1 {
			sep, _ = utf8.DecodeRuneInString(cfg.Separator)
		} else {
			return nil, fmt.Errorf("%w: CSV_REPO_SEPARATOR %q must be one character", etl.ErrConfiguration, cfg.Separator)
		}
	}
	decimal := cfg.DecimalPoint
	if decimal == "" {
		decimal = "."
	}
	if string(sep) == decimal {
		return nil, fmt.Errorf("%w: separator and decimal point are both %q", etl.ErrConfiguration, decimal)
	}
	return &csvRepository{path: cfg.Path, sep: sep, decimal: decimal, truncate: !cfg.Append}, nil
}

func (r *csvRepository) Commit(ctx context.Context, b *etl.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if r.truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("%w: %w", etl.ErrRepository, err)
	}
	f, err := os.OpenFile(r.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", etl.ErrRepository, r.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = r.sep
	if r.header == nil {
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("%w: stat %s: %w", etl.ErrRepository, r.path, err)
		}
		if r.truncate || info.Size() == 0 {
			r.header = slices.Clone(b.Columns)
			if err := w.Write(r.header); err != nil {
				return fmt.Errorf("%w: write header: %w", etl.ErrRepository, err)
			}
		} else if r.header, err = readHeader(r.path, r.sep); err != nil {
			return err
		}
	}
	if extra := lostColumns(r.header, b.Columns); len(extra) > 0 {
		logging.FromContext(ctx).Warn("columns not in csv header are dropped", "columns", extra)
	}

	row := make([]string, len(r.header))
	for _, rec := range b.Rows {
		for i, c := range r.header {
			row[i] = r.format(rec.Data[c])
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("%w: write row: %w", etl.ErrRepository, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: flush %s: %w", etl.ErrRepository, r.path, err)
	}
	r.truncate = false
	logging.FromContext(ctx).Info("committed rows to csv", "rows", b.Len(), "path", r.path)
	return nil
}

// readHeader returns the first record of the delimited file at path.
func readHeader(path string, sep rune) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", etl.ErrRepository, path, err)
	}
	defer f.Close()
	cr := csv.NewReader(f)
	cr.Comma = sep
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header of %s: %w", etl.ErrRepository, path, err)
	}
	return header, nil
}

func lostColumns(header, columns []string) []string {
	var lost []string
	for _, c := range columns {
		if !slices.Contains(header, c) {
			lost = append(lost, c)
		}
	}
	return lost
}

func (r *csvRepository) format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strings.Replace(strconv.FormatFloat(x, 'f', -1, 64), ".", r.decimal, 1)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(CSVTimeLayout)
	default:
		return fmt.Sprint(x)
	}
}

func (r *csvRepository) Close() error { return nil }
