package models

import "fmt"

// ── Error Taxonomy ───────────────────────────────────────────

// ErrInvalidTransition reports an attempt to move a run against the
// lifecycle DAG, e.g. cancelling an already completed run.
type ErrInvalidTransition struct {
	From RunStatus
	To   RunStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid run transition %s → %s", e.From, e.To)
}

// ErrValidation reports a malformed or semantically invalid request body.
type ErrValidation struct {
	Msg string
}

func (e *ErrValidation) Error() string { return e.Msg }

// Validationf builds an ErrValidation with a formatted message.
func Validationf(format string, args ...any) *ErrValidation {
	return &ErrValidation{Msg: fmt.Sprintf(format, args...)}
}

// ErrCapacity reports that a configured resource bound was exceeded,
// such as the run queue or a payload size cap.
type ErrCapacity struct {
	Msg string
}

func (e *ErrCapacity) Error() string { return e.Msg }

// ErrInvalidTool reports a tool definition that cannot be registered.
type ErrInvalidTool struct {
	Reason string
}

func (e *ErrInvalidTool) Error() string { return "invalid tool: " + e.Reason }
