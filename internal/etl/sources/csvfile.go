package sources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"tabflow/internal/etl"
)

// ── CSV File Source ─────────────────────────────────────────
// Reads delimited files. The first row is the header; empty cells are nil.

func init() {
	etl.RegisterSource("file.csv", func(_ context.Context, env etl.Env) (etl.Source, error) {
		sep, err := parseSeparator(env.Config.File.Separator)
		if err != nil {
			return nil, err
		}
		return newFileSource("CSV file", env.Config.File, func(path string) ([]*etl.Batch, error) {
			return readCSVFile(path, sep)
		})
	})
}

// parseSeparator accepts a single character or the escapes \t and tab.
func parseSeparator(s string) (rune, error) {
	switch s {
	case "":
		return ',', nil
	case `\t`, "tab":
		return '\t', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("%w: separator %q must be one character", etl.ErrConfiguration, s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}

func readCSVFile(path string, sep rune) ([]*etl.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = sep
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty csv file")
	}
	if err != nil {
		return nil, fmt.Errorf("parse csv header: %w", err)
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	b := etl.NewBatch("", headers)
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("parse csv line %d: %w", line, err)
		}
		if len(row) > len(headers) {
			return nil, fmt.Errorf("line %d has %d fields, header has %d", line, len(row), len(headers))
		}
		data := make(map[string]any, len(headers))
		for j, h := range headers {
			data[h] = nil
			if j < len(row) && strings.TrimSpace(row[j]) != "" {
				data[h] = row[j]
			}
		}
		b.Rows = append(b.Rows, etl.Record{Data: data})
	}
	return []*etl.Batch{b}, nil
}
