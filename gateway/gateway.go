// Package gateway defines the executor contracts the scheduler dispatches to
// and an HTTP webhook implementation of them.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teranos/polar/errors"
)

// AutomationGateway executes one automation run.
// The request is the opaque automationRequest payload of a scheduler event;
// the response must be a JSON object and may carry a "status" of
// executed, skipped, blocked or failed.
type AutomationGateway interface {
	ExecuteRun(ctx context.Context, request json.RawMessage) (json.RawMessage, error)
}

// HeartbeatGateway runs one heartbeat check.
type HeartbeatGateway interface {
	Tick(ctx context.Context, request json.RawMessage) (json.RawMessage, error)
}

// AutomationFunc adapts a function to AutomationGateway.
type AutomationFunc func(ctx context.Context, request json.RawMessage) (json.RawMessage, error)

// ExecuteRun calls f.
func (f AutomationFunc) ExecuteRun(ctx context.Context, request json.RawMessage) (json.RawMessage, error) {
	return f(ctx, request)
}

// HeartbeatFunc adapts a function to HeartbeatGateway.
type HeartbeatFunc func(ctx context.Context, request json.RawMessage) (json.RawMessage, error)

// Tick calls f.
func (f HeartbeatFunc) Tick(ctx context.Context, request json.RawMessage) (json.RawMessage, error) {
	return f(ctx, request)
}

// ContractError is returned by an executor that refuses a request as
// malformed or not allowed. The scheduler records it as a rejection rather
// than a failure, and never retries it.
type ContractError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// DefaultContractCode is used when an executor rejects without a code.
const DefaultContractCode = "CONTRACT_VALIDATION_FAILED"

// NewContractError builds a ContractError.
func NewContractError(code, message string, details ...string) *ContractError {
	if code == "" {
		code = DefaultContractCode
	}
	return &ContractError{Code: code, Message: message, Details: details}
}

func (e *ContractError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// AsContractError extracts a ContractError from err's chain.
// A ValidationError raised by an executor counts as a contract error too.
func AsContractError(err error) (*ContractError, bool) {
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce, true
	}
	if ve, ok := errors.AsValidationError(err); ok {
		details := make([]string, 0, len(ve.Issues))
		for _, issue := range ve.Issues {
			details = append(details, issue.Field+": "+issue.Message)
		}
		return &ContractError{Code: DefaultContractCode, Message: ve.Error(), Details: details}, true
	}
	return nil, false
}
