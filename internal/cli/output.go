package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for hubctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran but something failed (a branch push, a discrepancy)
	ExitCommandError = 2 // bad flags, unreachable database
)

type ExitError struct {
	Code    int
	Message string
	Err     error
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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, ExitFailure by default.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type OutputFormatter struct {
	Format string
	Writer io.Writer
}

type CLIResponse struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
}

// Print writes data as a JSON envelope, or text via render.
func (f *OutputFormatter) Print(ok bool, data any, render func(w io.Writer)) error {
	if f.Format == "json" {
		status := "ok"
		if !ok {
			status = "error"
		}
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: status, Data: data})
	}
	render(f.Writer)
	return nil
}
