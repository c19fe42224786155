package driver

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipes, relays and executions
var (
	// ErrSourceClosed indicates the source stopped before signalling end of stream
	ErrSourceClosed = errors.New("source closed before end of stream")

	// ErrDestinationClosed indicates the destination was closed or failed while piping
	ErrDestinationClosed = errors.New("destination closed")

	// ErrRelayDestroyed is returned by relay operations after Destroy
	ErrRelayDestroyed = errors.New("relay stream destroyed")

	// ErrWriteAfterEnd is returned when writing to a relay that has been ended
	ErrWriteAfterEnd = errors.New("write after end")

	// ErrStreamDestroyed is returned by transport adapters after Destroy
	ErrStreamDestroyed = errors.New("stream destroyed")

	// ErrInvalidWatermarks indicates a watermark configuration with low >= high
	ErrInvalidWatermarks = errors.New("invalid watermarks")

	// ErrUnknownCommand indicates the engine has no descriptor for the command
	ErrUnknownCommand = errors.New("unknown command")

	ErrInputPipeCancelled  = errors.New("input pipe has been cancelled")
	ErrOutputPipeCancelled = errors.New("output pipe has been cancelled")
	ErrEngineExecution     = errors.New("engine execution failed")
)

// SourceClosedError reports a failed or prematurely closed pipe source.
type SourceClosedError struct {
	PipeID string
	Err    error
}

func (e *SourceClosedError) Error() string {
	return fmt.Sprintf("pipe %s: source failed: %v", e.PipeID, e.Err)
}

func (e *SourceClosedError) Is(target error) bool {
	return target == ErrSourceClosed
}

func (e *SourceClosedError) Unwrap() error {
	return e.Err
}

// DestinationClosedError reports a destination that was closed or rejected a write.
type DestinationClosedError struct {
	PipeID string
	Err    error
}

func (e *DestinationClosedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipe %s: destination closed", e.PipeID)
	}
	return fmt.Sprintf("pipe %s: destination failed: %v", e.PipeID, e.Err)
}

func (e *DestinationClosedError) Is(target error) bool {
	return target == ErrDestinationClosed
}

func (e *DestinationClosedError) Unwrap() error {
	return e.Err
}

// InputPipeCancelledError wraps the failure of the transport to engine pipe.
type InputPipeCancelledError struct {
	Err error
}

func (e *InputPipeCancelledError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInputPipeCancelled, e.Err)
}

func (e *InputPipeCancelledError) Is(target error) bool {
	return target == ErrInputPipeCancelled
}

func (e *InputPipeCancelledError) Unwrap() error {
	return e.Err
}

// OutputPipeCancelledError wraps the failure of the engine to transport pipe.
type OutputPipeCancelledError struct {
	Err error
}

func (e *OutputPipeCancelledError) Error() string {
	return fmt.Sprintf("%s: %v", ErrOutputPipeCancelled, e.Err)
}

func (e *OutputPipeCancelledError) Is(target error) bool {
	return target == ErrOutputPipeCancelled
}

func (e *OutputPipeCancelledError) Unwrap() error {
	return e.Err
}

// EngineExecutionError carries a non-zero engine result.
type EngineExecutionError struct {
	Code    int
	Message string
}

func (e *EngineExecutionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: code %d", ErrEngineExecution, e.Code)
	}
	return fmt.Sprintf("%s: code %d: %s", ErrEngineExecution, e.Code, e.Message)
}

func (e *EngineExecutionError) Is(target error) bool {
	return target == ErrEngineExecution
}

// IsInputPipeCancelled checks if the error came from the input pipe
func IsInputPipeCancelled(err error) bool {
	return errors.Is(err, ErrInputPipeCancelled)
}

// IsOutputPipeCancelled checks if the error came from the output pipe
func IsOutputPipeCancelled(err error) bool {
	return errors.Is(err, ErrOutputPipeCancelled)
}

// IsEngineExecutionFailed checks if the error is a non-zero engine result
func IsEngineExecutionFailed(err error) bool {
	return errors.Is(err, ErrEngineExecution)
}

// EngineCode extracts the engine result code, if err carries one.
func EngineCode(err error) (int, bool) {
	var engineErr *EngineExecutionError
	if errors.As(err, &engineErr) {
		return engineErr.Code, true
	}
	return 0, false
}
