package driver

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// chunkSource returns one predefined chunk per Read and flags reads that
// happen while the paired destination is full.
type chunkSource struct {
	mu            sync.Mutex
	chunks        [][]byte
	err           error
	full          *atomic.Bool
	readWhileFull atomic.Bool
	reads         atomic.Int64
	destroyed     atomic.Int64
}

func (s *chunkSource) Read(p []byte) (int, error) {
	s.reads.Add(1)
	if s.full != nil && s.full.Load() {
		s.readWhileFull.Store(true)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, s.chunks[0])
	if n == len(s.chunks[0]) {
		s.chunks = s.chunks[1:]
	} else {
		s.chunks[0] = s.chunks[0][n:]
	}
	return n, nil
}

func (s *chunkSource) Destroy() {
	s.destroyed.Add(1)
}

// blockingSource blocks every Read until release is closed.
type blockingSource struct {
	release   chan struct{}
	destroyed atomic.Int64
}

func newBlockingSource() *blockingSource {
	return &blockingSource{release: make(chan struct{})}
}

func (s *blockingSource) Read([]byte) (int, error) {
	<-s.release
	return 0, io.ErrUnexpectedEOF
}

func (s *blockingSource) Destroy() {
	if s.destroyed.Add(1) == 1 {
		close(s.release)
	}
}

// recordingDest records chunks and reports saturation every pauseEvery writes.
// A saturated destination becomes writable again shortly after, then drains.
type recordingDest struct {
	mu         sync.Mutex
	chunks     [][]byte
	pauseEvery int
	full       atomic.Bool
	drain      chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	closeAfter int
	writeErr   error
	destroyed  atomic.Int64
}

func newRecordingDest(pauseEvery int) *recordingDest {
	return &recordingDest{
		pauseEvery: pauseEvery,
		drain:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (d *recordingDest) Write(p []byte) (bool, error) {
	select {
	case <-d.done:
		return false, errors.New("write on closed destination")
	default:
	}
	if d.writeErr != nil {
		return false, d.writeErr
	}

	d.mu.Lock()
	d.chunks = append(d.chunks, append([]byte(nil), p...))
	n := len(d.chunks)
	d.mu.Unlock()

	if d.closeAfter > 0 && n >= d.closeAfter {
		d.close()
	}

	if d.pauseEvery > 0 && n%d.pauseEvery == 0 {
		d.full.Store(true)
		go func() {
			time.Sleep(time.Millisecond)
			d.full.Store(false)
			d.drain <- struct{}{}
		}()
		return false, nil
	}
	return true, nil
}

func (d *recordingDest) Drain() <-chan struct{} { return d.drain }
func (d *recordingDest) Done() <-chan struct{}  { return d.done }

func (d *recordingDest) close() {
	d.closeOnce.Do(func() { close(d.done) })
}

func (d *recordingDest) Destroy() {
	d.destroyed.Add(1)
	d.close()
}

// stallingDest holds its first write until the engine's output relay has been
// destroyed, then fails it.
type stallingDest struct {
	*recordingDest
	relay *atomic.Pointer[OutputRelay]
}

func (d *stallingDest) Write([]byte) (bool, error) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r := d.relay.Load(); r != nil && r.Destroyed() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return false, errors.New("peer reset")
}

func (d *recordingDest) received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.chunks...)
}

func (d *recordingDest) joined() []byte {
	var out []byte
	for _, c := range d.received() {
		out = append(out, c...)
	}
	return out
}

// fakeEngine runs fn for every call on its own goroutine.
type fakeEngine struct {
	fn          func(ctx context.Context, call EngineCall) EngineResult
	descriptors []CommandDescriptor

	mu    sync.Mutex
	calls []EngineCall
}

func newFakeEngine(fn func(ctx context.Context, call EngineCall) EngineResult) *fakeEngine {
	return &fakeEngine{
		fn: fn,
		descriptors: []CommandDescriptor{
			{Name: "echo", InputType: "binary", OutputType: "binary"},
		},
	}
}

func (e *fakeEngine) Execute(ctx context.Context, call EngineCall, done func(EngineResult)) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
	go func() { done(e.fn(ctx, call)) }()
}

func (e *fakeEngine) FindCommandDescriptor(name string) (CommandDescriptor, bool) {
	for _, d := range e.descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return CommandDescriptor{}, false
}

func (e *fakeEngine) GetCommandDescriptors() []CommandDescriptor {
	return e.descriptors
}

func (e *fakeEngine) lastCall() EngineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[len(e.calls)-1]
}

func echoEngine() *fakeEngine {
	return newFakeEngine(func(ctx context.Context, call EngineCall) EngineResult {
		if _, err := io.Copy(call.Output, call.Input); err != nil {
			return EngineResult{Code: 1, Message: err.Error()}
		}
		return EngineResult{Code: 0, Payload: "ok"}
	})
}

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
