package sources

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"tabflow/internal/etl"
	"tabflow/internal/logging"
	"tabflow/internal/metadata"
)

// ── Metadata Source ────────────────────────────────────────
// Units are ids of READY metadata records. Each record names an inner
// source type and the unit of that source to read. The record is claimed
// before anything else happens so that every later failure can be reported
// back as FAIL.

const metadataPrefix = "metadata."

func init() {
	etl.RegisterSource(metadataPrefix+"file", func(ctx context.Context, env etl.Env) (etl.Source, error) {
		cfg := env.Config.Metadata
		store, err := metadata.NewFileStore(cfg.Location, cfg.FilePattern)
		if err != nil {
			return nil, err
		}
		return newMetadataSource("Metadata files", store, env), nil
	})
	etl.RegisterSource(metadataPrefix+"zookeeper", func(ctx context.Context, env etl.Env) (etl.Source, error) {
		cfg := env.Config.Metadata
		store, err := metadata.DialZK(metadata.ZKOptions{
			Servers:        cfg.ZKServers,
			BaseNode:       cfg.ZKBaseNode,
			Username:       cfg.ZKUsername,
			Password:       cfg.ZKPassword,
			SessionTimeout: cfg.ZKTimeout,
			Logger:         env.Log(),
		})
		if err != nil {
			return nil, err
		}
		return newMetadataSource("Metadata zookeeper", store, env), nil
	})
}

type metadataSource struct {
	label   string
	store   metadata.Store
	tracker *metadata.Tracker
	env     etl.Env

	mu     sync.Mutex
	inner  map[string]etl.Source
	routes map[string]string // record id → inner tag
}

func newMetadataSource(label string, store metadata.Store, env etl.Env) *metadataSource {
	return &metadataSource{
		label:   label,
		store:   store,
		tracker: metadata.NewTracker(store),
		env:     env,
		inner:   map[string]etl.Source{},
		routes:  map[string]string{},
	}
}

func (s *metadataSource) Label() string { return s.label }

func (s *metadataSource) DataUnits(ctx context.Context) ([]string, error) {
	if err := s.tracker.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("%w: list metadata: %w", etl.ErrSourceData, err)
	}
	return s.tracker.Ready(), nil
}

// innerTag maps a record type onto a registered source tag. Bare names
// are file formats: "csv" reads as "file.csv".
func innerTag(typ string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(typ))
	if t == "" {
		return "", fmt.Errorf("%w: metadata has no type", etl.ErrSourceData)
	}
	if !strings.Contains(t, ".") {
		t = "file." + t
	}
	if strings.HasPrefix(t, metadataPrefix) || !slices.Contains(etl.SourceTags(), t) {
		return "", fmt.Errorf("%w: unsupported metadata type %q", etl.ErrSourceData, typ)
	}
	return t, nil
}

func (s *metadataSource) innerSource(ctx context.Context, tag string) (etl.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.inner[tag]; ok {
		return src, nil
	}
	src, err := etl.NewSource(ctx, tag, s.env)
	if err != nil {
		return nil, fmt.Errorf("%w: inner source %s: %w", etl.ErrSourceData, tag, err)
	}
	s.inner[tag] = src
	return src, nil
}

func (s *metadataSource) Read(ctx context.Context, id string) ([]*etl.Batch, error) {
	rec, err := s.tracker.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != metadata.StatusReady {
		return nil, fmt.Errorf("%w: metadata %q is %s", etl.ErrSkipUnit, id, rec.Status)
	}
	if err := s.tracker.Claim(ctx, id); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("claimed metadata", "id", id, "type", rec.Type, "source_name", rec.SourceName)

	tag, err := innerTag(rec.Type)
	if err != nil {
		return nil, err
	}
	if rec.SourceName == "" {
		return nil, fmt.Errorf("%w: metadata %q has no source_name", etl.ErrSourceData, id)
	}
	s.mu.Lock()
	s.routes[id] = tag
	s.mu.Unlock()

	src, err := s.innerSource(ctx, tag)
	if err != nil {
		return nil, err
	}
	batches, err := src.Read(ctx, rec.SourceName)
	if err != nil {
		return nil, err
	}

	doc := rec.Document()
	for i, b := range batches {
		if batches[i], err = etl.RunMetadataFunc(ctx, s.env.Hooks.MetadataProcessor, b, doc); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

// Archive records the outcome on the metadata record, then archives the
// inner unit. Records that were never claimed only get their status set.
func (s *metadataSource) Archive(ctx context.Context, id string, done bool) error {
	var err error
	if done {
		err = s.tracker.Complete(ctx, id)
	} else {
		err = s.tracker.Fail(ctx, id)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	tag, routed := s.routes[id]
	src := s.inner[tag]
	s.mu.Unlock()
	if !routed || src == nil {
		return nil
	}
	rec, err := s.tracker.Get(id)
	if err != nil {
		return err
	}
	if err := src.Archive(ctx, rec.SourceName, done); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.routes, id)
	s.mu.Unlock()
	return nil
}

func (s *metadataSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, src := range s.inner {
		if c, ok := src.(etl.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}
