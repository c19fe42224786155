package bridge

import (
	"fmt"
	"time"

	"github.com/polisai/polis-driver/pkg/driver"
)

// CommandSpec maps a command name to the child process that implements it.
type CommandSpec struct {
	// Name is the command name clients use in /api/{command}
	Name string `yaml:"name" json:"name"`

	// Argv is the program and its arguments
	Argv []string `yaml:"argv" json:"argv"`

	// WorkDir is the working directory for the child process
	WorkDir string `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`

	// Env contains extra environment variables for the child process
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`

	InputType  string `yaml:"input_type" json:"input_type"`
	OutputType string `yaml:"output_type" json:"output_type"`
	IsVolatile bool   `yaml:"is_volatile" json:"is_volatile"`
	IsHeavy    bool   `yaml:"is_heavy" json:"is_heavy"`

	// Timeout bounds a single execution; zero means no limit
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Descriptor returns the public description of the command.
func (s CommandSpec) Descriptor() driver.CommandDescriptor {
	return driver.CommandDescriptor{
		Name:       s.Name,
		InputType:  s.InputType,
		OutputType: s.OutputType,
		IsVolatile: s.IsVolatile,
		IsHeavy:    s.IsHeavy,
	}
}

// EngineConfig holds the configuration of the process engine
type EngineConfig struct {
	// Commands is the command table
	Commands []CommandSpec `yaml:"commands" json:"commands"`

	// KillTimeout is how long a cancelled process gets between SIGTERM and SIGKILL
	KillTimeout time.Duration `yaml:"kill_timeout" json:"kill_timeout"`

	// StderrTail is how many trailing stderr bytes are kept for error messages
	StderrTail int `yaml:"stderr_tail" json:"stderr_tail"`
}

// DefaultEngineConfig returns an engine configuration with no commands
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		KillTimeout: 5 * time.Second,
		StderrTail:  4096,
	}
}

// Validate checks the command table.
func (c EngineConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Commands))
	for i, cmd := range c.Commands {
		if cmd.Name == "" {
			return fmt.Errorf("commands[%d]: name is required", i)
		}
		if _, dup := seen[cmd.Name]; dup {
			return fmt.Errorf("commands[%d]: duplicate command %q", i, cmd.Name)
		}
		seen[cmd.Name] = struct{}{}
		if len(cmd.Argv) == 0 {
			return fmt.Errorf("command %q: argv cannot be empty", cmd.Name)
		}
		if cmd.Timeout < 0 {
			return fmt.Errorf("command %q: timeout must not be negative", cmd.Name)
		}
	}
	if c.KillTimeout < 0 {
		return fmt.Errorf("kill_timeout must not be negative")
	}
	return nil
}
