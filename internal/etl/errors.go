package etl

import "errors"

// ── Errors ─────────────────────────────────────────────────
// Every pipeline failure wraps one of these sentinels with %w so the
// orchestration loop can classify it with errors.Is.

var (
	// ErrConfiguration reports missing or invalid configuration. Fatal.
	ErrConfiguration = errors.New("configuration error")

	// ErrSourceData reports an unreadable unit, an unknown metadata id or a
	// missing required field. The unit is marked failed.
	ErrSourceData = errors.New("source data error")

	// ErrTransformation reports a failing transform hook. The unit is marked failed.
	ErrTransformation = errors.New("transformation error")

	// ErrRepository reports a write or schema failure. The unit is marked failed.
	ErrRepository = errors.New("repository error")

	// ErrStrictSchema reports a field type mismatch during schema
	// reconciliation in strict mode. Fatal.
	ErrStrictSchema = errors.New("strict schema mismatch")

	// ErrLocationNotConfigured reports a missing archive or fail location.
	// Fatal, since archiving nowhere would lose data.
	ErrLocationNotConfigured = errors.New("location not configured")

	// ErrSkipUnit tells the loop to leave a unit untouched: it was claimed
	// elsewhere or is no longer pending.
	ErrSkipUnit = errors.New("unit skipped")
)

// IsFatal reports whether err must abort the run instead of failing one unit.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrStrictSchema) ||
		errors.Is(err, ErrLocationNotConfigured)
}

// IsRecognized reports whether err belongs to the per-unit error taxonomy.
func IsRecognized(err error) bool {
	return errors.Is(err, ErrSourceData) ||
		errors.Is(err, ErrTransformation) ||
		errors.Is(err, ErrRepository)
}
