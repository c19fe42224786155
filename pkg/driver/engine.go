package driver

import (
	"context"
	"io"
)

// CommandDescriptor describes a command the engine can run.
type CommandDescriptor struct {
	Name       string `json:"name" yaml:"name" cbor:"name"`
	InputType  string `json:"input_type" yaml:"input_type" cbor:"input_type"`
	OutputType string `json:"output_type" yaml:"output_type" cbor:"output_type"`
	IsVolatile bool   `json:"is_volatile" yaml:"is_volatile" cbor:"is_volatile"`
	IsHeavy    bool   `json:"is_heavy" yaml:"is_heavy" cbor:"is_heavy"`
}

// EngineCall is everything the engine needs to run one command. Input and
// Output are the relay streams owned by the driver.
type EngineCall struct {
	Command      string
	Input        io.Reader
	InputCodec   string
	InputFormat  string
	Output       io.Writer
	OutputCodec  string
	OutputFormat string
	Parameters   map[string]any
}

// EngineResult is reported through the Execute callback. Code 0 means success.
type EngineResult struct {
	Code    int
	Message string
	Payload any
}

// Engine is the execution backend. Execute must invoke done exactly once,
// including when ctx is cancelled.
type Engine interface {
	Execute(ctx context.Context, call EngineCall, done func(EngineResult))
	FindCommandDescriptor(name string) (CommandDescriptor, bool)
	GetCommandDescriptors() []CommandDescriptor
}
