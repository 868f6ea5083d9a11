package metadata

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"tabflow/internal/etl"
	"tabflow/internal/logging"
)

var (
	// ErrInvalidTransition reports a status change the lifecycle forbids.
	ErrInvalidTransition = fmt.Errorf("%w: invalid metadata status transition", etl.ErrSourceData)

	// ErrClaimConflict reports that another consumer changed the record
	// between read and claim.
	ErrClaimConflict = fmt.Errorf("%w: metadata claim conflict", etl.ErrSkipUnit)
)

// Store lists and persists metadata records.
type Store interface {
	// List returns every record in the store.
	List(ctx context.Context) ([]*Record, error)
	// Save persists r at r.Path. When conditional is set the write only
	// succeeds if the stored record is unchanged since it was read;
	// otherwise it fails with ErrClaimConflict. Save updates r.Version.
	Save(ctx context.Context, r *Record, conditional bool) error
	Close() error
}

// Tracker drives records of one store through their lifecycle.
type Tracker struct {
	store Store

	// Now stamps transitions; defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

// NewTracker returns a tracker over store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, Now: time.Now, records: map[string]*Record{}}
}

// Refresh reloads all records from the store. Duplicate ids: the last
// listed record wins.
func (t *Tracker) Refresh(ctx context.Context) error {
	recs, err := t.store.List(ctx)
	if err != nil {
		return err
	}
	records := make(map[string]*Record, len(recs))
	for _, r := range recs {
		if prev, ok := records[r.ID]; ok {
			logging.FromContext(ctx).Warn("duplicate metadata id", "id", r.ID, "path", r.Path, "previous", prev.Path)
		}
		records[r.ID] = r
	}

	t.mu.Lock()
	t.records = records
	t.mu.Unlock()
	return nil
}

// Ready returns the ids of READY records in ascending order.
func (t *Tracker) Ready() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, r := range t.records {
		if r.Status == StatusReady {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Get returns a copy of the record with id. Unknown ids fail with
// ErrSourceData.
func (t *Tracker) Get(id string) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: metadata not found for id %q", etl.ErrSourceData, id)
	}
	return r.Clone(), nil
}

// Claim moves a READY record to PROCESSING with a conditional write. A
// record that is no longer READY fails with ErrSkipUnit.
func (t *Tracker) Claim(ctx context.Context, id string) error {
	err := t.transition(ctx, id, StatusProcessing, true)
	if errors.Is(err, ErrInvalidTransition) {
		return fmt.Errorf("%w: metadata %q is not READY", etl.ErrSkipUnit, id)
	}
	return err
}

// Complete moves a PROCESSING record to COMPLETE. Repeating it is harmless.
func (t *Tracker) Complete(ctx context.Context, id string) error {
	return t.transition(ctx, id, StatusComplete, false)
}

// Fail moves a PROCESSING record to FAIL. Repeating it is harmless.
func (t *Tracker) Fail(ctx context.Context, id string) error {
	return t.transition(ctx, id, StatusFail, false)
}

// CanTransition reports whether from → to is allowed. Terminal states may
// be re-asserted onto themselves.
func CanTransition(from, to Status) bool {
	switch {
	case from == StatusReady && to == StatusProcessing:
		return true
	case from == StatusProcessing && (to == StatusComplete || to == StatusFail):
		return true
	case from == to && (to == StatusComplete || to == StatusFail):
		return true
	}
	return false
}

func (t *Tracker) transition(ctx context.Context, id string, to Status, conditional bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[id]
	if !ok {
		return fmt.Errorf("%w: metadata not found for id %q", etl.ErrSourceData, id)
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s → %s for %q", ErrInvalidTransition, r.Status, to, id)
	}

	next := r.Clone()
	next.Status = to
	next.Timestamp = t.Now().Format(TimestampLayout)
	if err := t.store.Save(ctx, next, conditional); err != nil {
		return err
	}
	t.records[id] = next

	logging.FromContext(ctx).Debug("metadata status changed", "id", id, "from", r.Status, "to", to)
	return nil
}
