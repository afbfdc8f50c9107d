package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/roach88/batchanchor/internal/engine"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Run or verification failure (bad input, proof mismatch, etc.)
	ExitCommandError = 2 // Command error (invalid config, ledger unreachable, etc.)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter renders command errors in the configured format.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string      `json:"status"`           // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`   // success payload
	Error  *CLIError   `json:"error,omitempty"`  // error details
	RunID  string      `json:"run_id,omitempty"` // pass correlation
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string      `json:"code"`              // "LEDGER_ERROR", "COMMAND_ERROR", etc.
	Message string      `json:"message"`           // human-readable message
	Details interface{} `json:"details,omitempty"` // additional context
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "%s [%s]: %s\n", failMark("Error"), code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Report writes err and returns the process exit code for it.
func (f *OutputFormatter) Report(err error) int {
	if err == nil {
		return ExitSuccess
	}
	code, runID := errorCode(err)
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			RunID:  runID,
			Error:  &CLIError{Code: code, Message: err.Error()},
		})
	} else {
		var details interface{}
		if runID != "" {
			details = "run_id=" + runID
		}
		_ = f.Error(code, err.Error(), details)
	}
	return GetExitCode(err)
}

// errorCode names err for output: the engine's category when it aborted a
// pass, otherwise the exit-code class.
func errorCode(err error) (string, string) {
	var re *engine.RunError
	if errors.As(err, &re) {
		return string(re.Code), re.RunID
	}
	if GetExitCode(err) == ExitCommandError {
		return "COMMAND_ERROR", ""
	}
	return "FAILURE", ""
}

// writeJSON writes v as an indented "ok" response.
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(CLIResponse{Status: "ok", Data: v})
}

// Text markers. color disables itself when stdout is not a terminal.
var (
	okMark   = color.New(color.FgGreen, color.Bold).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	failMark = color.New(color.FgRed, color.Bold).SprintFunc()
)

// outcomeText colors an engine outcome for text output.
func outcomeText(o engine.Outcome) string {
	switch o {
	case engine.OutcomeConfirmed:
		return okMark(o)
	case engine.OutcomeDegraded, engine.OutcomeReset:
		return warnMark(o)
	case engine.OutcomeFailed:
		return failMark(o)
	default:
		return string(o)
	}
}
