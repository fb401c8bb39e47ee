package main

import (
	"errors"
	"fmt"
)

// ErrValidation is returned when an invocation is missing a required
// parameter or carries an out-of-range value.
var ErrValidation = errors.New("invalid invocation")

// ErrMetricsUnavailable is returned when the metrics backend cannot be queried.
var ErrMetricsUnavailable = errors.New("metrics unavailable")

// ErrLogSourceUnavailable is returned when log lines or log sources cannot be
// retrieved.
var ErrLogSourceUnavailable = errors.New("log source unavailable")

// ErrSummaryUnavailable is returned when the text generation service fails
// or responds with something that does not contain a summary.
var ErrSummaryUnavailable = errors.New("summary unavailable")

// ValidationError describes which invocation field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation.Error(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Stage names the step of a target evaluation that failed.
type Stage string

const (
	StageMetrics Stage = "metrics"
	StageLogs    Stage = "logs"
	StageSummary Stage = "summary"
	StageNotify  Stage = "notify"
)

// TargetError wraps a failure with the function and the stage it happened in,
// so a failed run can be diagnosed from the error alone.
type TargetError struct {
	Target string
	Stage  Stage
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("evaluating %s (%s): %v", e.Target, e.Stage, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}
