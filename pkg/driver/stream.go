package driver

import (
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// Source is anything a pipe can read chunks from.
type Source = io.Reader

// Destination accepts chunks from a pipe. Write reports false when the
// destination is saturated; the pipe then stops reading until Drain fires.
// Done is closed when the destination is closed or destroyed.
type Destination interface {
	Write(p []byte) (bool, error)
	Drain() <-chan struct{}
	Done() <-chan struct{}
}

// PipeObserver is implemented by destinations that want to know when a pipe
// has been attached to them.
type PipeObserver interface {
	OnPipe(src Source)
}

// Destroyer is implemented by streams that can be torn down immediately.
type Destroyer interface {
	Destroy()
}

func destroyStream(stream any) {
	switch s := stream.(type) {
	case Destroyer:
		s.Destroy()
	case io.Closer:
		_ = s.Close()
	}
}

// StreamWriter adapts a transport writer, typically an http.ResponseWriter, to
// a Destination. Writes are synchronous so the writer never reports saturation.
type StreamWriter struct {
	w         io.Writer
	flusher   http.Flusher
	mu        sync.Mutex
	done      chan struct{}
	once      sync.Once
	destroyed atomic.Bool
	written   atomic.Int64
}

// NewStreamWriter wraps w. If w implements http.Flusher every chunk is flushed.
func NewStreamWriter(w io.Writer) *StreamWriter {
	sw := &StreamWriter{w: w, done: make(chan struct{})}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

func (s *StreamWriter) Write(p []byte) (bool, error) {
	if s.destroyed.Load() {
		return false, ErrStreamDestroyed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.w.Write(p)
	s.written.Add(int64(n))
	if err != nil {
		return false, err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return true, nil
}

// Drain never fires since writes never report saturation.
func (s *StreamWriter) Drain() <-chan struct{} {
	return nil
}

func (s *StreamWriter) Done() <-chan struct{} {
	return s.done
}

// Destroy closes the writer for further writes.
func (s *StreamWriter) Destroy() {
	s.once.Do(func() {
		s.destroyed.Store(true)
		close(s.done)
	})
}

// Destroyed reports whether Destroy has been called.
func (s *StreamWriter) Destroyed() bool {
	return s.destroyed.Load()
}

// Written returns the number of bytes delivered to the underlying writer.
func (s *StreamWriter) Written() int64 {
	return s.written.Load()
}

// StreamReader wraps a transport body so it can be destroyed at most once.
type StreamReader struct {
	r         io.Reader
	closer    io.Closer
	once      sync.Once
	destroyed atomic.Bool
}

// NewStreamReader wraps r. If r is an io.Closer it is closed on Destroy.
func NewStreamReader(r io.Reader) *StreamReader {
	sr := &StreamReader{r: r}
	if c, ok := r.(io.Closer); ok {
		sr.closer = c
	}
	return sr
}

func (s *StreamReader) Read(p []byte) (int, error) {
	if s.destroyed.Load() {
		return 0, ErrStreamDestroyed
	}
	return s.r.Read(p)
}

// Destroy closes the underlying body; later reads fail.
func (s *StreamReader) Destroy() {
	s.once.Do(func() {
		s.destroyed.Store(true)
		if s.closer != nil {
			_ = s.closer.Close()
		}
	})
}

// Destroyed reports whether Destroy has been called.
func (s *StreamReader) Destroyed() bool {
	return s.destroyed.Load()
}
