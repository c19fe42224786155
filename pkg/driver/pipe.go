package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// PipeState is the lifecycle state of a pipe.
type PipeState int32

const (
	PipeActive PipeState = iota
	PipeSettling
	PipeSettled
)

func (s PipeState) String() string {
	switch s {
	case PipeActive:
		return "active"
	case PipeSettling:
		return "settling"
	case PipeSettled:
		return "settled"
	default:
		return "unknown"
	}
}

const defaultChunkSize = 32 * 1024

// PipeStats counts the work a pipe has done.
type PipeStats struct {
	Chunks int64
	Bytes  int64
	Pauses int64
}

type pipeOptions struct {
	id        string
	direction string
	chunkSize int
	logger    *slog.Logger
	metrics   *Metrics
}

// PipeOption configures a pipe.
type PipeOption func(*pipeOptions)

// WithPipeID sets the trace id used in logs. A uuid is generated otherwise.
func WithPipeID(id string) PipeOption {
	return func(o *pipeOptions) { o.id = id }
}

// WithPipeDirection labels the pipe in logs and metrics.
func WithPipeDirection(direction string) PipeOption {
	return func(o *pipeOptions) { o.direction = direction }
}

// WithChunkSize sets the read buffer size.
func WithChunkSize(size int) PipeOption {
	return func(o *pipeOptions) {
		if size > 0 {
			o.chunkSize = size
		}
	}
}

func WithPipeLogger(logger *slog.Logger) PipeOption {
	return func(o *pipeOptions) { o.logger = logger }
}

func WithPipeMetrics(metrics *Metrics) PipeOption {
	return func(o *pipeOptions) { o.metrics = metrics }
}

// PipeHandle is the running pipe. Its embedded Future settles once the source
// ends or either side fails.
type PipeHandle struct {
	*Future[struct{}]

	opts    pipeOptions
	state   atomic.Int32
	chunks  atomic.Int64
	bytes   atomic.Int64
	pauses  atomic.Int64
	cleanup sync.Once
	stop    chan struct{}
}

type readResult struct {
	data []byte
	err  error
}

// Pipe moves chunks from src to dst until src reports io.EOF. A write that
// returns false pauses the pipe: src is not read again until dst signals
// Drain. The destination is never closed by the pipe.
//
// The returned handle is rejected with a SourceClosedError when src fails,
// with a DestinationClosedError when dst is closed or rejects a write, and
// with the context cause when ctx is cancelled.
func Pipe(ctx context.Context, src Source, dst Destination, opts ...PipeOption) *PipeHandle {
	o := pipeOptions{chunkSize: defaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With(slog.String("pipe_id", o.id))
	if o.direction != "" {
		o.logger = o.logger.With(slog.String("direction", o.direction))
	}

	h := &PipeHandle{
		Future: newFuture[struct{}](),
		opts:   o,
		stop:   make(chan struct{}),
	}

	if observer, ok := dst.(PipeObserver); ok {
		observer.OnPipe(src)
	}

	grants := make(chan struct{}, 1)
	results := make(chan readResult, 1)
	go h.readLoop(src, grants, results)
	go h.run(ctx, dst, grants, results)

	return h
}

// ID returns the pipe trace id.
func (h *PipeHandle) ID() string {
	return h.opts.id
}

// State returns the current lifecycle state.
func (h *PipeHandle) State() PipeState {
	return PipeState(h.state.Load())
}

// Stats returns a snapshot of the pipe counters.
func (h *PipeHandle) Stats() PipeStats {
	return PipeStats{
		Chunks: h.chunks.Load(),
		Bytes:  h.bytes.Load(),
		Pauses: h.pauses.Load(),
	}
}

// readLoop performs one Read per grant so the source is only read when the
// pipe is able to forward the chunk.
func (h *PipeHandle) readLoop(src Source, grants <-chan struct{}, results chan<- readResult) {
	buf := make([]byte, h.opts.chunkSize)
	for {
		select {
		case <-h.stop:
			return
		case <-grants:
		}

		n, err := src.Read(buf)
		res := readResult{err: err}
		if n > 0 {
			res.data = append([]byte(nil), buf[:n]...)
		}

		select {
		case results <- res:
		case <-h.stop:
			return
		}
	}
}

func (h *PipeHandle) run(ctx context.Context, dst Destination, grants chan<- struct{}, results <-chan readResult) {
	paused := false
	grants <- struct{}{}

	for {
		var drain <-chan struct{}
		if paused {
			drain = dst.Drain()
		}

		select {
		case <-ctx.Done():
			h.settle(context.Cause(ctx), "context")
			return

		case <-dst.Done():
			h.settle(&DestinationClosedError{PipeID: h.opts.id}, "destination")
			return

		case <-drain:
			paused = false
			h.opts.logger.Debug("Pipe resumed")
			grants <- struct{}{}

		case res := <-results:
			if len(res.data) > 0 {
				ok, err := dst.Write(res.data)
				if err != nil {
					h.settle(&DestinationClosedError{PipeID: h.opts.id, Err: err}, "destination")
					return
				}
				h.chunks.Add(1)
				h.bytes.Add(int64(len(res.data)))
				if h.opts.metrics != nil {
					h.opts.metrics.RecordPipeChunk(h.opts.direction, len(res.data))
				}
				if !ok {
					paused = true
					h.pauses.Add(1)
					if h.opts.metrics != nil {
						h.opts.metrics.RecordPipePause(h.opts.direction)
					}
					h.opts.logger.Debug("Pipe paused", slog.Int("chunk_size", len(res.data)))
				}
			}

			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					h.settle(nil, "")
				} else {
					h.settle(&SourceClosedError{PipeID: h.opts.id, Err: res.err}, "source")
				}
				return
			}

			if !paused {
				grants <- struct{}{}
			}
		}
	}
}

// settle tears the pipe down and settles the future. Cleanup runs once
// regardless of which signal arrived first.
func (h *PipeHandle) settle(err error, side string) {
	h.cleanup.Do(func() {
		h.state.Store(int32(PipeSettling))
		close(h.stop)

		stats := h.Stats()
		if err != nil {
			if h.opts.metrics != nil {
				h.opts.metrics.RecordPipeFailure(h.opts.direction, side)
			}
			h.opts.logger.Debug("Pipe failed",
				slog.String("side", side),
				slog.Int64("bytes", stats.Bytes),
				slog.String("error", err.Error()))
			h.reject(err)
		} else {
			h.opts.logger.Debug("Pipe finished",
				slog.Int64("chunks", stats.Chunks),
				slog.Int64("bytes", stats.Bytes),
				slog.Int64("pauses", stats.Pauses))
			h.resolve(struct{}{})
		}

		h.state.Store(int32(PipeSettled))
	})
}
