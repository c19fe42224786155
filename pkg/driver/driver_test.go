package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestDriver(t testing.TB, engine Engine, cfg WatermarkConfig, opts ...Option) *Driver {
	d, err := NewDriver(engine, cfg, opts...)
	require.NoError(t, err)
	return d
}

func TestNewDriverRejectsInvalidWatermarks(t *testing.T) {
	_, err := NewDriver(echoEngine(), WatermarkConfig{LowWatermark: 8, HighWatermark: 8})
	assert.ErrorIs(t, err, ErrInvalidWatermarks)

	_, err = NewDriver(echoEngine(), WatermarkConfig{LowWatermark: 9, HighWatermark: 8})
	assert.ErrorIs(t, err, ErrInvalidWatermarks)

	_, err = NewDriver(nil, DefaultWatermarkConfig())
	assert.Error(t, err)
}

func TestExecuteSuccess(t *testing.T) {
	engine := echoEngine()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := newTestDriver(t, engine, WatermarkConfig{LowWatermark: 16, HighWatermark: 64}, WithMetrics(metrics), WithPipeChunkSize(32))

	input := bytes.Repeat([]byte("0123456789"), 100)
	var out bytes.Buffer
	outStream := NewStreamWriter(&out)

	ctx, cancel := testContext()
	defer cancel()

	res, err := d.Execute(ctx, &ExecutionRequest{
		Command:      "echo",
		InputStream:  bytes.NewReader(input),
		InputCodec:   "none",
		InputFormat:  "json",
		OutputStream: outStream,
		OutputCodec:  "none",
		OutputFormat: "json",
		Parameters:   map[string]any{"path": "//tmp"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Payload)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, input, out.Bytes())
	assert.Equal(t, int64(len(input)), res.InputBytes)
	assert.Equal(t, int64(len(input)), res.OutputBytes)
	assert.False(t, outStream.Destroyed(), "output stream stays open for trailers")

	call := engine.lastCall()
	assert.Equal(t, "echo", call.Command)
	assert.Equal(t, "json", call.InputFormat)
	assert.Equal(t, map[string]any{"path": "//tmp"}, call.Parameters)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.executionsTotal.WithLabelValues("echo", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.executionsActive))
}

// **Feature: stream-driver, Property 3: Execution Relays Output Unchanged**
func TestExecuteRelaysDataProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		low := rapid.IntRange(0, 64).Draw(t, "low")
		high := rapid.IntRange(low+1, 256).Draw(t, "high")
		input := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "input")
		chunkSize := rapid.IntRange(1, 128).Draw(t, "chunk_size")

		d, err := NewDriver(echoEngine(), WatermarkConfig{LowWatermark: low, HighWatermark: high}, WithPipeChunkSize(chunkSize))
		require.NoError(t, err)

		var out bytes.Buffer
		ctx, cancel := testContext()
		defer cancel()

		_, err = d.Execute(ctx, &ExecutionRequest{
			Command:      "echo",
			InputStream:  bytes.NewReader(input),
			OutputStream: NewStreamWriter(&out),
		})
		require.NoError(t, err)
		assert.True(t, bytes.Equal(input, out.Bytes()))
	})
}

func TestExecuteEngineFailureDestroysRelays(t *testing.T) {
	var relay atomic.Pointer[OutputRelay]
	engine := newFakeEngine(func(ctx context.Context, call EngineCall) EngineResult {
		relay.Store(call.Output.(*OutputRelay))
		_, _ = call.Output.Write([]byte("partial"))
		return EngineResult{Code: 42, Message: "resolve error"}
	})
	d := newTestDriver(t, engine, WatermarkConfig{LowWatermark: 4, HighWatermark: 1024})

	inStream := newBlockingSource()
	outStream := &stallingDest{recordingDest: newRecordingDest(0), relay: &relay}

	ctx, cancel := testContext()
	defer cancel()

	_, err := d.Execute(ctx, &ExecutionRequest{
		Command:      "echo",
		InputStream:  inStream,
		OutputStream: outStream,
	})
	require.Error(t, err)
	assert.True(t, IsEngineExecutionFailed(err))
	assert.False(t, IsInputPipeCancelled(err))
	assert.False(t, IsOutputPipeCancelled(err))

	code, ok := EngineCode(err)
	require.True(t, ok)
	assert.Equal(t, 42, code)
	assert.Contains(t, err.Error(), "resolve error")

	call := engine.lastCall()
	assert.True(t, call.Input.(*InputRelay).Destroyed())
	assert.True(t, call.Output.(*OutputRelay).Destroyed())
	// The output pipe fails after the engine, so its error is not the
	// outcome, but the output stream is still torn down.
	assert.Equal(t, int64(1), outStream.destroyed.Load())
}

func TestExecuteOutputPipeSuccessKeepsStreamOpen(t *testing.T) {
	engine := newFakeEngine(func(ctx context.Context, call EngineCall) EngineResult {
		_, _ = call.Output.Write([]byte("done"))
		return EngineResult{Code: 0, Payload: "ok"}
	})
	d := newTestDriver(t, engine, DefaultWatermarkConfig())

	outStream := newRecordingDest(0)
	ctx, cancel := testContext()
	defer cancel()

	res, err := d.Execute(ctx, &ExecutionRequest{
		Command:      "echo",
		InputStream:  bytes.NewReader(nil),
		OutputStream: outStream,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Payload)
	assert.Equal(t, []byte("done"), outStream.joined())
	assert.Equal(t, int64(0), outStream.destroyed.Load())
}

func TestExecuteOutputStreamClosedPrematurely(t *testing.T) {
	engine := newFakeEngine(func(ctx context.Context, call EngineCall) EngineResult {
		chunk := bytes.Repeat([]byte("x"), 256)
		for i := 0; i < 1000; i++ {
			if _, err := call.Output.Write(chunk); err != nil {
				return EngineResult{Code: 1, Message: err.Error()}
			}
		}
		return EngineResult{Code: 0}
	})
	d := newTestDriver(t, engine, WatermarkConfig{LowWatermark: 256, HighWatermark: 1024}, WithPipeChunkSize(256))

	outStream := newRecordingDest(0)
	outStream.closeAfter = 1

	ctx, cancel := testContext()
	defer cancel()

	_, err := d.Execute(ctx, &ExecutionRequest{
		Command:      "echo",
		InputStream:  bytes.NewReader(nil),
		OutputStream: outStream,
	})
	require.Error(t, err)
	assert.True(t, IsOutputPipeCancelled(err))
	assert.ErrorIs(t, err, ErrDestinationClosed)
	assert.Equal(t, int64(1), outStream.destroyed.Load())
	assert.True(t, engine.lastCall().Output.(*OutputRelay).Destroyed())
}

func TestExecuteInputPipeFailure(t *testing.T) {
	engine := newFakeEngine(func(ctx context.Context, call EngineCall) EngineResult {
		if _, err := io.Copy(io.Discard, call.Input); err != nil {
			return EngineResult{Code: 1, Message: err.Error()}
		}
		return EngineResult{Code: 0}
	})
	d := newTestDriver(t, engine, DefaultWatermarkConfig())

	reset := errors.New("connection reset")
	inStream := &chunkSource{chunks: [][]byte{[]byte("head")}, err: reset}
	outStream := newRecordingDest(0)

	ctx, cancel := testContext()
	defer cancel()

	_, err := d.Execute(ctx, &ExecutionRequest{
		Command:      "echo",
		InputStream:  inStream,
		OutputStream: outStream,
	})
	require.Error(t, err)
	assert.True(t, IsInputPipeCancelled(err))
	assert.ErrorIs(t, err, reset)
	assert.Equal(t, int64(1), inStream.destroyed.Load())
	assert.True(t, engine.lastCall().Input.(*InputRelay).Destroyed())
}

func TestExecuteEngineStopsReadingEarly(t *testing.T) {
	engine := newFakeEngine(func(ctx context.Context, call EngineCall) EngineResult {
		_, _ = call.Output.Write([]byte("done"))
		return EngineResult{Code: 0, Payload: 1}
	})
	d := newTestDriver(t, engine, WatermarkConfig{LowWatermark: 1, HighWatermark: 8})

	var out bytes.Buffer
	ctx, cancel := testContext()
	defer cancel()

	res, err := d.Execute(ctx, &ExecutionRequest{
		Command:      "echo",
		InputStream:  bytes.NewReader(bytes.Repeat([]byte("i"), 4096)),
		OutputStream: NewStreamWriter(&out),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Payload)
	assert.Equal(t, "done", out.String())
}

func TestExecuteUnknownCommand(t *testing.T) {
	d := newTestDriver(t, echoEngine(), DefaultWatermarkConfig())

	_, err := d.Execute(context.Background(), &ExecutionRequest{
		Command:      "missing",
		InputStream:  bytes.NewReader(nil),
		OutputStream: NewStreamWriter(io.Discard),
	})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = d.Execute(context.Background(), nil)
	assert.Error(t, err)
}

func TestExecuteAsyncSharesOutcome(t *testing.T) {
	engine := newFakeEngine(func(ctx context.Context, call EngineCall) EngineResult {
		return EngineResult{Code: 7, Message: "nope"}
	})
	d := newTestDriver(t, engine, DefaultWatermarkConfig())

	ctx, cancel := testContext()
	defer cancel()

	f := d.ExecuteAsync(ctx, &ExecutionRequest{
		Command:      "echo",
		InputStream:  bytes.NewReader([]byte("in")),
		OutputStream: newRecordingDest(0),
	})

	_, first := f.Wait(ctx)
	_, second := f.Wait(ctx)
	require.Error(t, first)
	assert.Same(t, first, second)
	assert.True(t, IsEngineExecutionFailed(first))
}

func TestDriverDescriptors(t *testing.T) {
	d := newTestDriver(t, echoEngine(), DefaultWatermarkConfig())

	desc, ok := d.FindCommandDescriptor("echo")
	require.True(t, ok)
	assert.Equal(t, "binary", desc.InputType)

	_, ok = d.FindCommandDescriptor("nope")
	assert.False(t, ok)
	assert.Len(t, d.GetCommandDescriptors(), 1)
	assert.Equal(t, DefaultWatermarkConfig(), d.Watermarks())
}
