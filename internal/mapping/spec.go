// Package mapping compiles a declarative field specification table into
// rename tables, type tables and per-field validators, and applies them to
// batches.
package mapping

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"tabflow/internal/etl"
)

// FieldSpec is one row of the field specification table.
type FieldSpec struct {
	SourceFieldName     string
	SourceFieldType     string
	RepositoryFieldName string
	RepositoryFieldType string
	Min                 *float64
	Max                 *float64
	AllowMissing        bool
	Ignore              bool
	Dataset             string
}

// Column names of the specification table header.
const (
	ColSourceFieldName     = "source_field_name"
	ColSourceFieldType     = "source_field_type"
	ColRepositoryFieldName = "repository_field_name"
	ColRepositoryFieldType = "repository_field_type"
	ColMin                 = "min"
	ColMax                 = "max"
	ColAllowMissing        = "allow_missing"
	ColIgnore              = "ignore"
	ColDataset             = "dataset"
)

// Get returns the value of a text column by header name, "" for unknown.
func (f FieldSpec) Get(col string) string {
	switch col {
	case ColSourceFieldName:
		return f.SourceFieldName
	case ColSourceFieldType:
		return f.SourceFieldType
	case ColRepositoryFieldName:
		return f.RepositoryFieldName
	case ColRepositoryFieldType:
		return f.RepositoryFieldType
	case ColDataset:
		return f.Dataset
	}
	return ""
}

// LoadFieldSpecs reads the specification table at path.
// An empty path or an unreadable file fails with ErrConfiguration.
func LoadFieldSpecs(path string, separator rune) ([]FieldSpec, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: field specification file is not configured", etl.ErrConfiguration)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open field specification: %w", etl.ErrConfiguration, err)
	}
	defer f.Close()

	specs, err := ParseFieldSpecs(f, separator)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// ParseFieldSpecs reads a specification table from r. The header row names
// the columns; only source_field_name is mandatory.
func ParseFieldSpecs(r io.Reader, separator rune) ([]FieldSpec, error) {
	reader := csv.NewReader(r)
	if separator != 0 {
		reader.Comma = separator
	}
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read field specification header: %w", etl.ErrConfiguration, err)
	}
	index := map[string]int{}
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := index[ColSourceFieldName]; !ok {
		return nil, fmt.Errorf("%w: field specification has no %s column", etl.ErrConfiguration, ColSourceFieldName)
	}

	var specs []FieldSpec
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: field specification line %d: %w", etl.ErrConfiguration, line, err)
		}
		cell := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		spec := FieldSpec{
			SourceFieldName:     cell(ColSourceFieldName),
			SourceFieldType:     strings.ToLower(cell(ColSourceFieldType)),
			RepositoryFieldName: cell(ColRepositoryFieldName),
			RepositoryFieldType: cell(ColRepositoryFieldType),
			AllowMissing:        parseFlag(cell(ColAllowMissing)),
			Ignore:              parseFlag(cell(ColIgnore)),
			Dataset:             cell(ColDataset),
		}
		if spec.Min, err = parseBound(cell(ColMin)); err != nil {
			return nil, fmt.Errorf("%w: field specification line %d: min: %w", etl.ErrConfiguration, line, err)
		}
		if spec.Max, err = parseBound(cell(ColMax)); err != nil {
			return nil, fmt.Errorf("%w: field specification line %d: max: %w", etl.ErrConfiguration, line, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseFlag(s string) bool {
	switch strings.ToLower(s) {
	case "y", "yes", "true", "1":
		return true
	}
	return false
}

func parseBound(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
