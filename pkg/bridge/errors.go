package bridge

import (
	"errors"
	"fmt"
)

// Sentinel errors for the process engine
var (
	// ErrCommandNotFound indicates the command is not in the command table
	ErrCommandNotFound = errors.New("command not found")

	// ErrProcessFailed indicates the child process exited unsuccessfully
	ErrProcessFailed = errors.New("process failed")
)

// ProcessError describes an unsuccessful child process.
type ProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %s exited with code %d", e.Command, e.ExitCode)
}

func (e *ProcessError) Is(target error) bool {
	return target == ErrProcessFailed
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsProcessFailed checks if the error is an unsuccessful child process
func IsProcessFailed(err error) bool {
	return errors.Is(err, ErrProcessFailed)
}
