package etl

import (
	"context"
	"fmt"
	"strings"
)

// ── Hooks ──────────────────────────────────────────────────
// User code plugs into the pipeline through these function values. They are
// injected at construction; nothing is looked up by name at runtime.

// BatchFunc transforms one batch. It receives a copy it may modify.
type BatchFunc func(ctx context.Context, b *Batch) (*Batch, error)

// CrossBatchFunc sees every batch of a multi-dataset unit before commit.
type CrossBatchFunc func(ctx context.Context, batches []*Batch) ([]*Batch, error)

// MetadataFunc post-processes a batch read for a metadata record. The record
// is passed as its JSON document.
type MetadataFunc func(ctx context.Context, b *Batch, record map[string]any) (*Batch, error)

// Hooks groups the optional user transforms.
type Hooks struct {
	// PreMap runs on the raw string batch before coercion.
	PreMap BatchFunc
	// PostMap runs after rename and timestamp conversion.
	PostMap BatchFunc
	// PostMapByDataset overrides PostMap for named batches.
	PostMapByDataset map[string]BatchFunc
	// CrossBatch runs once per multi-dataset unit.
	CrossBatch CrossBatchFunc
	// HeaderTidier rewrites every column name after validation.
	HeaderTidier func(string) string
	// MetadataProcessor runs inside the metadata source after the inner read.
	MetadataProcessor MetadataFunc
}

// PostMapFor returns the post-map hook for a dataset name.
func (h Hooks) PostMapFor(dataset string) BatchFunc {
	if f, ok := h.PostMapByDataset[dataset]; ok && dataset != "" {
		return f
	}
	return h.PostMap
}

// RunBatchFunc calls f on a clone of b. A returned error or a panic is
// reported as ErrTransformation.
func RunBatchFunc(ctx context.Context, name string, f BatchFunc, b *Batch) (out *Batch, err error) {
	if f == nil {
		return b, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s hook panicked: %v", ErrTransformation, name, r)
		}
	}()
	out, err = f(ctx, b.Clone())
	if err != nil {
		return nil, fmt.Errorf("%w: %s hook: %w", ErrTransformation, name, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s hook returned no batch", ErrTransformation, name)
	}
	return out, nil
}

// RunMetadataFunc is RunBatchFunc for the metadata processor.
func RunMetadataFunc(ctx context.Context, f MetadataFunc, b *Batch, record map[string]any) (*Batch, error) {
	if f == nil {
		return b, nil
	}
	return RunBatchFunc(ctx, "metadata processor", func(ctx context.Context, c *Batch) (*Batch, error) {
		return f(ctx, c, record)
	}, b)
}

// Compose chains batch functions left to right, skipping nil entries.
func Compose(fs ...BatchFunc) BatchFunc {
	var chain []BatchFunc
	for _, f := range fs {
		if f != nil {
			chain = append(chain, f)
		}
	}
	if len(chain) == 0 {
		return nil
	}
	return func(ctx context.Context, b *Batch) (*Batch, error) {
		var err error
		for _, f := range chain {
			if b, err = f(ctx, b); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
}

// ── Header Tidiers ─────────────────────────────────────────

// HeaderTidier returns the named column header rewrite.
// An empty name means no tidier.
func HeaderTidier(name string) (func(string) string, error) {
	switch name {
	case "":
		return nil, nil
	case "lowercase":
		return strings.ToLower, nil
	case "uppercase":
		return strings.ToUpper, nil
	default:
		return nil, fmt.Errorf("%w: unknown header tidier %q", ErrConfiguration, name)
	}
}

// TidyHeaders applies tidy to every column of b in place.
func TidyHeaders(b *Batch, tidy func(string) string) {
	if tidy == nil {
		return
	}
	mapping := make(map[string]string, len(b.Columns))
	for _, c := range b.Columns {
		mapping[c] = tidy(c)
	}
	b.RenameColumns(mapping)
}
