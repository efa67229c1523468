package integration

import (
	"errors"
	"fmt"
)

// FlowResultType is the outcome of a config flow step.
type FlowResultType string

const (
	// FlowResultForm asks the caller for (more) input.
	FlowResultForm FlowResultType = "form"
	// FlowResultCreateEntry means the flow produced a config entry.
	FlowResultCreateEntry FlowResultType = "create_entry"
	// FlowResultAbort ends the flow without an entry.
	FlowResultAbort FlowResultType = "abort"
)

// FlowResult is returned by every config flow step.
type FlowResult struct {
	Type   FlowResultType    `json:"type"`
	StepID string            `json:"step_id,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
	Reason string            `json:"reason,omitempty"`

	// Set for FlowResultCreateEntry
	Title    string            `json:"title,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	UniqueID string            `json:"unique_id,omitempty"`

	// EntryID is filled in by the host once the entry is created.
	EntryID string `json:"entry_id,omitempty"`
}

// ErrNotReady marks a setup that failed for a reason expected to clear
// on its own, such as the vendor cloud being unreachable.
var ErrNotReady = errors.New("integration not ready")

// NotReadyError is returned from SetupEntry when the entry should be
// retried later.
type NotReadyError struct {
	Err error
}

// NewNotReadyError wraps err as a retryable setup failure.
func NewNotReadyError(err error) *NotReadyError {
	return &NotReadyError{Err: err}
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("not ready: %v", e.Err)
}

func (e *NotReadyError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrNotReady) match any NotReadyError.
func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}
