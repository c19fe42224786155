package driver

import (
	"fmt"
	"io"
	"sync"
)

// WatermarkConfig bounds the bytes buffered in each relay stream.
type WatermarkConfig struct {
	LowWatermark  int `yaml:"low_watermark" json:"low_watermark"`
	HighWatermark int `yaml:"high_watermark" json:"high_watermark"`
}

// DefaultWatermarkConfig returns the default relay watermarks.
func DefaultWatermarkConfig() WatermarkConfig {
	return WatermarkConfig{
		LowWatermark:  64 * 1024,
		HighWatermark: 256 * 1024,
	}
}

// Validate rejects configurations where low is not strictly below high.
func (c WatermarkConfig) Validate() error {
	if c.LowWatermark < 0 || c.HighWatermark <= 0 {
		return fmt.Errorf("%w: watermarks must be positive (low=%d, high=%d)", ErrInvalidWatermarks, c.LowWatermark, c.HighWatermark)
	}
	if c.LowWatermark >= c.HighWatermark {
		return fmt.Errorf("%w: low watermark %d must be below high watermark %d", ErrInvalidWatermarks, c.LowWatermark, c.HighWatermark)
	}
	return nil
}

// relayBuffer is the chunk queue shared by both relay directions. All fields
// are guarded by mu; cond is broadcast on every state change.
type relayBuffer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	chunks    [][]byte
	buffered  int
	low       int
	high      int
	ended     bool
	destroyed bool
	done      chan struct{}
}

func (b *relayBuffer) init(cfg WatermarkConfig) {
	b.cond = sync.NewCond(&b.mu)
	b.low = cfg.LowWatermark
	b.high = cfg.HighWatermark
	b.done = make(chan struct{})
}

// push must be called with mu held.
func (b *relayBuffer) push(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append(b.chunks, append([]byte(nil), p...))
	b.buffered += len(p)
	b.cond.Broadcast()
}

// read blocks until data, end of stream or destruction. Must be called with mu held.
func (b *relayBuffer) read(p []byte) (int, error) {
	for len(b.chunks) == 0 && !b.ended && !b.destroyed {
		b.cond.Wait()
	}
	if b.destroyed {
		return 0, ErrRelayDestroyed
	}
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := 0
	for n < len(p) && len(b.chunks) > 0 {
		c := copy(p[n:], b.chunks[0])
		n += c
		if c == len(b.chunks[0]) {
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
		} else {
			b.chunks[0] = b.chunks[0][c:]
		}
	}
	b.buffered -= n
	b.cond.Broadcast()
	return n, nil
}

// belowLow reports whether enough data has been consumed to release a
// saturated writer. Must be called with mu held.
func (b *relayBuffer) belowLow() bool {
	return b.buffered < b.low || b.buffered == 0
}

// destroy must be called with mu held.
func (b *relayBuffer) destroy() bool {
	if b.destroyed {
		return false
	}
	b.destroyed = true
	b.chunks = nil
	b.buffered = 0
	close(b.done)
	b.cond.Broadcast()
	return true
}

// InputRelay sits between the inbound transport stream and the engine. The
// transport pipe writes into it as a Destination and the engine reads from it.
type InputRelay struct {
	buf       relayBuffer
	drain     chan struct{}
	needDrain bool
	discard   bool
	piped     int
}

// NewInputRelay creates an input relay with the given watermarks.
func NewInputRelay(cfg WatermarkConfig) *InputRelay {
	r := &InputRelay{drain: make(chan struct{}, 1)}
	r.buf.init(cfg)
	return r
}

// Write queues p. It returns false once the buffered byte count reaches the
// high watermark; Drain then fires when the engine has consumed enough to fall
// below the low watermark.
func (r *InputRelay) Write(p []byte) (bool, error) {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()

	switch {
	case r.buf.destroyed:
		return false, ErrRelayDestroyed
	case r.discard:
		return true, nil
	case r.buf.ended:
		return false, ErrWriteAfterEnd
	}

	r.buf.push(p)
	if r.buf.buffered >= r.buf.high {
		r.needDrain = true
		return false, nil
	}
	return true, nil
}

// Read is used by the engine to consume transport input.
func (r *InputRelay) Read(p []byte) (int, error) {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()

	n, err := r.buf.read(p)
	if n > 0 {
		r.maybeDrain()
	}
	return n, err
}

// maybeDrain must be called with mu held.
func (r *InputRelay) maybeDrain() {
	if r.needDrain && r.buf.belowLow() {
		r.needDrain = false
		select {
		case r.drain <- struct{}{}:
		default:
		}
	}
}

func (r *InputRelay) Drain() <-chan struct{} {
	return r.drain
}

func (r *InputRelay) Done() <-chan struct{} {
	return r.buf.done
}

// OnPipe records that a transport pipe has been attached.
func (r *InputRelay) OnPipe(Source) {
	r.buf.mu.Lock()
	r.piped++
	r.buf.mu.Unlock()
}

// Pipes returns how many pipes have been attached to the relay.
func (r *InputRelay) Pipes() int {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.piped
}

// End marks that no more input will arrive. The engine sees io.EOF once the
// buffered data has been read. Calling End more than once is a no-op.
func (r *InputRelay) End() {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	if r.buf.ended {
		return
	}
	r.buf.ended = true
	r.buf.cond.Broadcast()
}

// Discard drops buffered input and accepts any further writes without
// storing them. It is used once the engine no longer reads its input so the
// transport pipe can still run to end of stream.
func (r *InputRelay) Discard() {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	if r.discard || r.buf.destroyed {
		return
	}
	r.discard = true
	r.buf.ended = true
	r.buf.chunks = nil
	r.buf.buffered = 0
	if r.needDrain {
		r.needDrain = false
		select {
		case r.drain <- struct{}{}:
		default:
		}
	}
	r.buf.cond.Broadcast()
}

// Destroy discards buffered data and wakes every waiter with ErrRelayDestroyed.
func (r *InputRelay) Destroy() {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	r.buf.destroy()
}

func (r *InputRelay) Destroyed() bool {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.buf.destroyed
}

func (r *InputRelay) Buffered() int {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.buf.buffered
}

func (r *InputRelay) LowWatermark() int  { return r.buf.low }
func (r *InputRelay) HighWatermark() int { return r.buf.high }

// OutputRelay sits between the engine and the outbound transport stream. The
// engine writes into it and the transport pipe reads from it as a Source.
type OutputRelay struct {
	buf     relayBuffer
	pending int
	endSoon bool
}

// NewOutputRelay creates an output relay with the given watermarks.
func NewOutputRelay(cfg WatermarkConfig) *OutputRelay {
	r := &OutputRelay{}
	r.buf.init(cfg)
	return r
}

// Write queues p for the transport. While the buffered byte count is at or
// above the high watermark the call blocks until the reader brings it below
// the low watermark, or the relay is ended or destroyed.
func (r *OutputRelay) Write(p []byte) (int, error) {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()

	r.pending++
	if r.buf.buffered >= r.buf.high {
		for !r.buf.belowLow() && !r.buf.destroyed && !r.buf.ended {
			r.buf.cond.Wait()
		}
	}
	r.pending--

	switch {
	case r.buf.destroyed:
		return 0, ErrRelayDestroyed
	case r.buf.ended:
		return 0, ErrWriteAfterEnd
	}

	r.buf.push(p)
	if r.endSoon && r.pending == 0 {
		r.buf.ended = true
		r.buf.cond.Broadcast()
	}
	return len(p), nil
}

// Read is used by the transport pipe.
func (r *OutputRelay) Read(p []byte) (int, error) {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.buf.read(p)
}

// End stops accepting writes immediately. Writers blocked on the high
// watermark fail with ErrWriteAfterEnd. Buffered data is still delivered.
func (r *OutputRelay) End() {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	if r.buf.ended {
		return
	}
	r.buf.ended = true
	r.buf.cond.Broadcast()
}

// EndSoon ends the stream once writes already in flight have been queued, so
// trailing engine output is delivered before io.EOF.
func (r *OutputRelay) EndSoon() {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	if r.buf.ended || r.endSoon {
		return
	}
	r.endSoon = true
	if r.pending == 0 {
		r.buf.ended = true
	}
	r.buf.cond.Broadcast()
}

// Destroy discards buffered data and wakes blocked writers and readers.
func (r *OutputRelay) Destroy() {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	r.buf.destroy()
}

func (r *OutputRelay) Done() <-chan struct{} {
	return r.buf.done
}

func (r *OutputRelay) Destroyed() bool {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.buf.destroyed
}

func (r *OutputRelay) Ended() bool {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.buf.ended
}

func (r *OutputRelay) Buffered() int {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.buf.buffered
}

func (r *OutputRelay) LowWatermark() int  { return r.buf.low }
func (r *OutputRelay) HighWatermark() int { return r.buf.high }
