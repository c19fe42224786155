package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-driver/pkg/codec"
	"github.com/polisai/polis-driver/pkg/driver"
)

// Environment variables describing the call to the child process.
const (
	EnvCommand      = "POLIS_COMMAND"
	EnvInputFormat  = "POLIS_INPUT_FORMAT"
	EnvOutputFormat = "POLIS_OUTPUT_FORMAT"
	EnvParameters   = "POLIS_PARAMETERS"
)

// ProcessEngine runs each command as a child process. The decoded input
// stream is fed to stdin and stdout is encoded into the output stream.
type ProcessEngine struct {
	config   EngineConfig
	commands map[string]CommandSpec
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	running  sync.WaitGroup
}

// EngineOption configures a ProcessEngine.
type EngineOption func(*ProcessEngine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *ProcessEngine) { e.logger = logger }
}

// WithMetrics sets the engine metrics.
func WithMetrics(metrics *Metrics) EngineOption {
	return func(e *ProcessEngine) { e.metrics = metrics }
}

// WithTracer sets the tracer used for process spans.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *ProcessEngine) { e.tracer = tracer }
}

// NewProcessEngine validates the command table and creates the engine.
func NewProcessEngine(cfg EngineConfig, opts ...EngineOption) (*ProcessEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StderrTail <= 0 {
		cfg.StderrTail = DefaultEngineConfig().StderrTail
	}

	e := &ProcessEngine{
		config:   cfg,
		commands: make(map[string]CommandSpec, len(cfg.Commands)),
	}
	for _, cmd := range cfg.Commands {
		e.commands[cmd.Name] = cmd
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("polis-driver/bridge")
	}
	return e, nil
}

var _ driver.Engine = (*ProcessEngine)(nil)

// FindCommandDescriptor returns the descriptor of a configured command.
func (e *ProcessEngine) FindCommandDescriptor(name string) (driver.CommandDescriptor, bool) {
	spec, ok := e.commands[name]
	if !ok {
		return driver.CommandDescriptor{}, false
	}
	return spec.Descriptor(), true
}

// GetCommandDescriptors returns all descriptors sorted by name.
func (e *ProcessEngine) GetCommandDescriptors() []driver.CommandDescriptor {
	out := make([]driver.CommandDescriptor, 0, len(e.commands))
	for _, spec := range e.commands {
		out = append(out, spec.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute starts the command in the background and reports through done.
func (e *ProcessEngine) Execute(ctx context.Context, call driver.EngineCall, done func(driver.EngineResult)) {
	e.running.Add(1)
	go func() {
		defer e.running.Done()
		done(e.run(ctx, call))
	}()
}

// Wait blocks until every started process has been reaped or ctx ends.
func (e *ProcessEngine) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		e.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *ProcessEngine) run(ctx context.Context, call driver.EngineCall) driver.EngineResult {
	spec, ok := e.commands[call.Command]
	if !ok {
		return failure(fmt.Errorf("%w: %s", ErrCommandNotFound, call.Command))
	}

	ctx, span := e.tracer.Start(ctx, "engine.process",
		trace.WithAttributes(
			attribute.String("polis.command", spec.Name),
			attribute.String("process.executable.name", spec.Argv[0]),
		),
	)
	defer span.End()

	res := e.runProcess(ctx, spec, call)
	if res.Code != 0 {
		span.SetStatus(codes.Error, res.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Int("process.exit.code", res.Code))
	return res
}

func (e *ProcessEngine) runProcess(parent context.Context, spec CommandSpec, call driver.EngineCall) driver.EngineResult {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if spec.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, spec.Timeout,
			fmt.Errorf("command %s timed out after %s", spec.Name, spec.Timeout))
		defer cancelTimeout()
	}

	env, err := e.buildEnv(ctx, spec, call)
	if err != nil {
		return failure(err)
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.config.KillTimeout

	stderr := NewTailBuffer(e.config.StderrTail)
	cmd.Stderr = stderr

	// The encoder is built first so an unsupported codec leaves no pipes
	// behind. It is not closed on the early returns: Close would emit an
	// empty frame to the client.
	output, err := codec.NewWriter(call.OutputCodec, call.Output)
	if err != nil {
		return failure(err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return failure(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return failure(fmt.Errorf("stdout pipe: %w", err))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.logger.Error("Failed to start process", "command", spec.Name, "error", err)
		return failure(&ProcessError{Command: spec.Name, ExitCode: 1, Err: err})
	}
	if e.metrics != nil {
		e.metrics.RecordProcessStarted(spec.Name)
	}
	e.logger.Debug("Process started", "command", spec.Name, "pid", cmd.Process.Pid)

	// stdin is fed independently: the input relay only ends once the
	// driver sees this engine finish.
	go e.feedInput(spec.Name, call, stdin, cancel)

	if _, err := io.Copy(output, stdout); err != nil {
		_ = output.Close()
		cancel(fmt.Errorf("write output: %w", err))
	} else if err := output.Close(); err != nil {
		cancel(fmt.Errorf("flush output: %w", err))
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	res := e.result(ctx, spec, waitErr, stderr, duration)
	if e.metrics != nil {
		status := "success"
		if res.Code != 0 {
			status = "failure"
		}
		e.metrics.RecordProcessExited(spec.Name, status, duration, stderr.Total())
	}
	e.logger.Debug("Process exited",
		"command", spec.Name,
		"code", res.Code,
		"duration", duration,
	)
	return res
}

func (e *ProcessEngine) feedInput(command string, call driver.EngineCall, stdin io.WriteCloser, cancel context.CancelCauseFunc) {
	defer stdin.Close()

	input, err := codec.NewReader(call.InputCodec, call.Input)
	if err != nil {
		cancel(fmt.Errorf("decode input: %w", err))
		return
	}
	defer input.Close()

	if _, err := io.Copy(stdin, input); err != nil {
		// The child closing stdin early is normal; a broken decoder is not.
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
			e.logger.Debug("Process closed stdin early", "command", command)
			return
		}
		cancel(fmt.Errorf("decode input: %w", err))
	}
}

func (e *ProcessEngine) result(ctx context.Context, spec CommandSpec, waitErr error, stderr *TailBuffer, duration time.Duration) driver.EngineResult {
	if cause := context.Cause(ctx); cause != nil {
		return driver.EngineResult{Code: 1, Message: cause.Error()}
	}

	if waitErr == nil {
		return driver.EngineResult{
			Payload: map[string]any{
				"exit_code":   0,
				"duration_ms": duration.Milliseconds(),
			},
		}
	}

	perr := &ProcessError{
		Command:  spec.Name,
		ExitCode: 1,
		Stderr:   strings.TrimSpace(stderr.String()),
		Err:      waitErr,
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() > 0 {
		perr.ExitCode = exitErr.ExitCode()
	}

	message := perr.Stderr
	if message == "" {
		message = perr.Error()
	}
	return driver.EngineResult{Code: perr.ExitCode, Message: message}
}

func (e *ProcessEngine) buildEnv(ctx context.Context, spec CommandSpec, call driver.EngineCall) ([]string, error) {
	params := call.Parameters
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	env := append(os.Environ(), spec.Env...)
	env = append(env,
		EnvCommand+"="+spec.Name,
		EnvInputFormat+"="+call.InputFormat,
		EnvOutputFormat+"="+call.OutputFormat,
		EnvParameters+"="+string(encoded),
	)
	return InjectProcessEnv(ctx, env), nil
}

func failure(err error) driver.EngineResult {
	return driver.EngineResult{Code: 1, Message: err.Error()}
}
