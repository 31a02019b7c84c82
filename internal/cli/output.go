package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"duel-engine/internal/client"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The service refused the request or a replay found discrepancies
	ExitCommandError = 2 // Bad flags, unreachable server, unreadable responses
)

// ExitError is an error with a specific process exit code.
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

// GetExitCode extracts the exit code from an error. Service refusals exit
// with ExitFailure; transport failures with ExitCommandError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if client.CodeOf(err) == client.CodeEdge {
		return ExitCommandError
	}
	return ExitFailure
}

// WriteError renders err in the selected format. Client errors keep their
// code, status and hint.
func WriteError(w io.Writer, format string, err error) {
	var ce *client.Error
	if format == "json" {
		body := map[string]any{"status": "error", "message": err.Error()}
		if errors.As(err, &ce) {
			body["error"] = ce
		}
		writeJSON(w, body)
		return
	}
	if errors.As(err, &ce) {
		fmt.Fprintf(w, "error: %s (status %d): %s\n", ce.Code, ce.Status, ce.Hint)
		if ce.BattleStatus != "" {
			fmt.Fprintf(w, "  battle status: %s\n", ce.BattleStatus)
		}
		if ce.Recoverable {
			fmt.Fprintln(w, "  recoverable: check the battle and retry")
		}
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

// emit writes data as JSON, or calls text for the human format.
func emit(cmd *cobra.Command, opts *RootOptions, data any, text func(w io.Writer)) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), data)
	}
	text(cmd.OutOrStdout())
	return nil
}

func writeJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
