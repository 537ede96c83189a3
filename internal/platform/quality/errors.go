// Package quality holds the warehouse error taxonomy and the per-run recorder
// that counts, logs and exports record-level data-quality outcomes.
package quality

import (
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// ValidationError reports a raw record that fails type or required-field
// checks. The record is skipped.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Missing reports an empty required field.
func Missing(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// Resolutions applied when a reference does not match a dimension row.
const (
	ResolvedPlaceholder = "placeholder"
	ResolvedNull        = "null"
	ResolvedFallback    = "fallback"
	ResolvedSkipped     = "skipped"
)

// ReferenceResolutionError reports a natural key that did not match its
// dimension. Resolution says what the transformer did about it.
type ReferenceResolutionError struct {
	Dimension  string
	Key        string
	Resolution string
}

func (e *ReferenceResolutionError) Error() string {
	return fmt.Sprintf("unresolved %s %q (%s)", e.Dimension, e.Key, e.Resolution)
}

// Unresolved builds a ReferenceResolutionError.
func Unresolved(dimension, key, resolution string) error {
	return &ReferenceResolutionError{Dimension: dimension, Key: key, Resolution: resolution}
}

// ConsistencyError reports a snapshot or fact that contradicts history already
// recorded for the same natural key.
type ConsistencyError struct {
	NaturalID     string
	EffectiveDate time.Time
	Reason        string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent history for %s at %s: %s",
		e.NaturalID, e.EffectiveDate.Format("2006-01-02"), e.Reason)
}

// PipelineAbort is a batch-level failure. Nothing from the run is published.
type PipelineAbort struct {
	Stage string
	Err   error
}

func (e *PipelineAbort) Error() string {
	return fmt.Sprintf("pipeline aborted during %s: %v", e.Stage, e.Err)
}

func (e *PipelineAbort) Unwrap() error { return e.Err }

// Abort wraps err as a PipelineAbort for stage. A nil err stays nil.
func Abort(stage string, err error) error {
	if err == nil {
		return nil
	}
	var pa *PipelineAbort
	if errors.As(err, &pa) {
		return err
	}
	return &PipelineAbort{Stage: stage, Err: err}
}

// IsAbort reports whether err is or wraps a PipelineAbort.
func IsAbort(err error) bool {
	var pa *PipelineAbort
	return errors.As(err, &pa)
}

// Kind classifies err for counters and issue listings.
func Kind(err error) string {
	var (
		ve *ValidationError
		re *ReferenceResolutionError
		ce *ConsistencyError
		pa *PipelineAbort
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &re):
		return "reference"
	case errors.As(err, &ce):
		return "consistency"
	case errors.As(err, &pa):
		return "abort"
	default:
		return "error"
	}
}
