package agenttool

import (
	"errors"
	"fmt"

	"github.com/hupe1980/coralmesh/errs"
)

// Tool error codes in addition to the errs taxonomy codes.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// ToolError is the error payload returned to an agent when a tool call fails.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// toToolError normalizes err. Domain errors keep their taxonomy code,
// anything else becomes an execution error.
func toToolError(tool string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}

	var de *errs.Error
	if errors.As(err, &de) {
		return &ToolError{Tool: tool, Message: de.Message, Code: string(de.Code)}
	}

	return &ToolError{Tool: tool, Message: err.Error(), Code: CodeExecution}
}
