package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/polisai/polis-driver/pkg/driver"

// ExecutionRequest is one command execution. The driver takes ownership of
// both transport streams for the duration of Execute.
type ExecutionRequest struct {
	Command      string
	InputStream  Source
	InputCodec   string
	InputFormat  string
	OutputStream Destination
	OutputCodec  string
	OutputFormat string
	Parameters   map[string]any
}

// ExecutionResult is the outcome of a successful execution.
type ExecutionResult struct {
	ID          string
	Payload     any
	Duration    time.Duration
	InputBytes  int64
	OutputBytes int64
}

// Driver runs commands on an Engine, relaying transport streams through
// watermarked relays.
type Driver struct {
	engine     Engine
	watermarks WatermarkConfig
	chunkSize  int
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

// Option configures a Driver.
type Option func(*Driver)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

func WithMetrics(metrics *Metrics) Option {
	return func(d *Driver) { d.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Driver) { d.tracer = tracer }
}

// WithPipeChunkSize sets the read size used by both pipes.
func WithPipeChunkSize(size int) Option {
	return func(d *Driver) { d.chunkSize = size }
}

// NewDriver creates a driver. The watermark configuration is validated here
// and is read-only afterwards.
func NewDriver(engine Engine, watermarks WatermarkConfig, opts ...Option) (*Driver, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if err := watermarks.Validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		engine:     engine,
		watermarks: watermarks,
		chunkSize:  defaultChunkSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}

	return d, nil
}

// Watermarks returns the relay watermarks.
func (d *Driver) Watermarks() WatermarkConfig {
	return d.watermarks
}

// FindCommandDescriptor looks a command up in the engine.
func (d *Driver) FindCommandDescriptor(name string) (CommandDescriptor, bool) {
	return d.engine.FindCommandDescriptor(name)
}

// GetCommandDescriptors lists the engine commands.
func (d *Driver) GetCommandDescriptors() []CommandDescriptor {
	return d.engine.GetCommandDescriptors()
}

// ExecuteAsync runs Execute in the background.
func (d *Driver) ExecuteAsync(ctx context.Context, req *ExecutionRequest) *Future[*ExecutionResult] {
	f := newFuture[*ExecutionResult]()
	go func() {
		res, err := d.Execute(ctx, req)
		if err != nil {
			f.reject(err)
			return
		}
		f.resolve(res)
	}()
	return f
}

// execution tracks the first failure of one Execute call.
type execution struct {
	mu        sync.Mutex
	err       error
	cancel    context.CancelCauseFunc
	inOnce    sync.Once
	outOnce   sync.Once
	inStream  Source
	outStream Destination
}

// fail records err if no failure has been recorded yet and cancels the
// shared context. It reports whether err became the outcome.
func (e *execution) fail(err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return false
	}
	e.err = err
	e.cancel(err)
	return true
}

func (e *execution) destroyInput() {
	e.inOnce.Do(func() { destroyStream(e.inStream) })
}

func (e *execution) destroyOutput() {
	e.outOnce.Do(func() { destroyStream(e.outStream) })
}

// Execute runs one command. The input pipe, the output pipe and the engine
// call run concurrently; Execute returns once all three have settled. The
// first failure among them is returned, otherwise the engine payload.
//
// A failed input pipe destroys the input stream and relay. A failed output
// pipe destroys the output stream and relay, whichever failure came first. A
// successful output pipe leaves the output stream open so the caller can
// write trailers.
func (d *Driver) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error) {
	if req == nil {
		return nil, errors.New("execution request is required")
	}
	if req.InputStream == nil || req.OutputStream == nil {
		return nil, errors.New("input and output streams are required")
	}
	if _, ok := d.engine.FindCommandDescriptor(req.Command); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command)
	}

	id := uuid.NewString()
	start := time.Now()
	logger := d.logger.With(
		slog.String("execution_id", id),
		slog.String("command", req.Command),
	)

	ctx, span := d.tracer.Start(ctx, "driver.execute",
		trace.WithAttributes(
			attribute.String("driver.execution_id", id),
			attribute.String("driver.command", req.Command),
			attribute.String("driver.input_codec", req.InputCodec),
			attribute.String("driver.output_codec", req.OutputCodec),
		))
	defer span.End()

	if d.metrics != nil {
		d.metrics.RecordExecutionStarted()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	exec := &execution{
		cancel:    cancel,
		inStream:  req.InputStream,
		outStream: req.OutputStream,
	}

	in := NewInputRelay(d.watermarks)
	out := NewOutputRelay(d.watermarks)

	pipeOpts := []PipeOption{
		WithChunkSize(d.chunkSize),
		WithPipeLogger(logger),
		WithPipeMetrics(d.metrics),
	}
	inPipe := Pipe(ctx, req.InputStream, in, append(pipeOpts, WithPipeDirection("input"))...)
	outPipe := Pipe(ctx, out, req.OutputStream, append(pipeOpts, WithPipeDirection("output"))...)

	engineDone := make(chan EngineResult, 1)
	var callbackOnce sync.Once
	call := EngineCall{
		Command:      req.Command,
		Input:        in,
		InputCodec:   req.InputCodec,
		InputFormat:  req.InputFormat,
		Output:       out,
		OutputCodec:  req.OutputCodec,
		OutputFormat: req.OutputFormat,
		Parameters:   req.Parameters,
	}
	go d.engine.Execute(ctx, call, func(res EngineResult) {
		callbackOnce.Do(func() { engineDone <- res })
	})

	logger.Debug("Execution started",
		slog.String("input_pipe", inPipe.ID()),
		slog.String("output_pipe", outPipe.ID()))

	var payload any
	inDone, outDone := inPipe.Done(), outPipe.Done()
	engDone := (<-chan EngineResult)(engineDone)

	for inDone != nil || outDone != nil || engDone != nil {
		select {
		case <-inDone:
			inDone = nil
			if err := inPipe.Err(); err != nil {
				exec.destroyInput()
				in.Destroy()
				if exec.fail(&InputPipeCancelledError{Err: err}) {
					logger.Warn("Input pipe cancelled", slog.String("error", err.Error()))
				}
				continue
			}
			in.End()

		case <-outDone:
			outDone = nil
			if err := outPipe.Err(); err != nil {
				out.Destroy()
				exec.destroyOutput()
				if exec.fail(&OutputPipeCancelledError{Err: err}) {
					logger.Warn("Output pipe cancelled", slog.String("error", err.Error()))
				}
			}

		case res := <-engDone:
			engDone = nil
			out.EndSoon()
			in.Discard()
			if res.Code == 0 {
				payload = res.Payload
				continue
			}
			in.Destroy()
			out.Destroy()
			if exec.fail(&EngineExecutionError{Code: res.Code, Message: res.Message}) {
				logger.Warn("Engine execution failed",
					slog.Int("code", res.Code),
					slog.String("message", res.Message))
			}
		}
	}

	duration := time.Since(start)
	inStats, outStats := inPipe.Stats(), outPipe.Stats()

	exec.mu.Lock()
	err := exec.err
	exec.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordExecutionFinished(req.Command, outcomeLabel(err), duration)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("driver.input_bytes", inStats.Bytes),
		attribute.Int64("driver.output_bytes", outStats.Bytes),
	)
	span.SetStatus(codes.Ok, "")
	logger.Info("Execution finished",
		slog.Duration("duration", duration),
		slog.Int64("input_bytes", inStats.Bytes),
		slog.Int64("output_bytes", outStats.Bytes))

	return &ExecutionResult{
		ID:          id,
		Payload:     payload,
		Duration:    duration,
		InputBytes:  inStats.Bytes,
		OutputBytes: outStats.Bytes,
	}, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsEngineExecutionFailed(err):
		return "engine_failed"
	case IsInputPipeCancelled(err):
		return "input_cancelled"
	case IsOutputPipeCancelled(err):
		return "output_cancelled"
	default:
		return "error"
	}
}
