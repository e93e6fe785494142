// Package execution defines the ports the delivery worker calls to perform a
// play and to consult operational safety switches.
package execution

import (
	"context"

	"playdelivery/internal/models"
)

// Error codes recorded on failed attempts.
const (
	CodeExecutionError  = "EXECUTION_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeCanceled        = "CANCELED"
	CodePanic           = "PANIC"
	CodeInjectedFailure = "INJECTED_FAILURE"
	CodeSourceBanned    = "SOURCE_BANNED"
	CodeSimulated       = "SIMULATED_FAILURE"
)

// Result is the outcome reported by an execution.
type Result struct {
	Success    bool   `json:"success"`
	ErrorCode  string `json:"error_code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Port performs the delivery action for one task through a leased source.
// A returned error is treated as a failed attempt.
type Port interface {
	Execute(ctx context.Context, task *models.Task, lease *models.Lease) (Result, error)
}

// SafetyGate exposes ops and chaos switches consulted before each execution.
type SafetyGate interface {
	IsPauseRequested() bool
	IsBanned(source string) bool
	ShouldInjectFailure() bool
}

// NopGate never pauses, bans or injects.
type NopGate struct{}

var _ SafetyGate = NopGate{}

func (NopGate) IsPauseRequested() bool      { return false }
func (NopGate) IsBanned(source string) bool { return false }
func (NopGate) ShouldInjectFailure() bool   { return false }
