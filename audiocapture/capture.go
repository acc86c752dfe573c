// Package audiocapture delivers mono float audio in fixed-size blocks from a
// microphone or a WAV file.
package audiocapture

import (
	"errors"
	"sync"
)

var (
	// ErrRunning is returned when Start is called on a running capturer.
	ErrRunning = errors.New("audiocapture: already running")
	// ErrClosed is returned when Start is called after Stop.
	ErrClosed = errors.New("audiocapture: closed")
	// ErrUnsupported is returned when no capture backend is compiled in.
	ErrUnsupported = errors.New("audiocapture: microphone capture not supported in this build")
)

const (
	DefaultSampleRate = 16000
	DefaultBlockSize  = 2048
)

// AudioHandler receives one block of samples in the range [-1, 1].
// Blocks are delivered from a single goroutine in capture order. The slice is
// owned by the handler.
type AudioHandler func(samples []float32)

// Capturer is a one-shot audio source. Start may succeed at most once; Stop
// releases the underlying device and returns only after the last block has
// been delivered.
type Capturer interface {
	Start(handler AudioHandler) error
	Stop() error
}

// Config holds configuration for audio capture.
type Config struct {
	SampleRate int    // Hz, default 16000
	BlockSize  int    // samples per block, default 2048
	Device     string // input device name, empty for the system default
	File       string // WAV file to replay instead of the microphone
	Speed      float64
}

// DefaultConfig returns the default capture configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate: DefaultSampleRate,
		BlockSize:  DefaultBlockSize,
		Speed:      1,
	}
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.Speed <= 0 {
		c.Speed = 1
	}
	return c
}

// New returns the capturer selected by cfg: a WAV replay when File is set,
// the microphone otherwise.
func New(cfg Config) (Capturer, error) {
	cfg = cfg.withDefaults()
	if cfg.File != "" {
		f, err := NewFile(cfg)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	m, err := NewMic(cfg)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// lifecycle tracks the idle → running → closed progression shared by every
// capturer, plus the delivery goroutine's stop and done signals.
type lifecycle struct {
	mu      sync.Mutex
	running bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// begin marks the capturer running. It fails if already running or closed.
func (l *lifecycle) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.running {
		return ErrRunning
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	return nil
}

// abort undoes begin after a failed open. The capturer stays closed.
func (l *lifecycle) abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.closed = true
	close(l.done)
}

// end signals the delivery goroutine and waits for it to exit. It reports
// whether this call performed the shutdown.
func (l *lifecycle) end() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	wasRunning := l.running
	l.running = false
	stop, done := l.stop, l.done
	l.mu.Unlock()

	if !wasRunning {
		return false
	}
	close(stop)
	<-done
	return true
}

// Chunker regroups sample runs of any length into fixed-size blocks,
// preserving order.
type Chunker struct {
	size int
	buf  []float32
}

// NewChunker creates a Chunker producing blocks of size samples.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = DefaultBlockSize
	}
	return &Chunker{size: size, buf: make([]float32, 0, size)}
}

// Write appends samples and calls emit for every completed block.
func (c *Chunker) Write(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		n := min(c.size-len(c.buf), len(samples))
		c.buf = append(c.buf, samples[:n]...)
		samples = samples[n:]
		if len(c.buf) == c.size {
			emit(c.buf)
			c.buf = make([]float32, 0, c.size)
		}
	}
}

// Flush pads a partial block with silence and emits it. It does nothing when
// no samples are pending.
func (c *Chunker) Flush(emit func([]float32)) {
	if len(c.buf) == 0 {
		return
	}
	block := c.buf[:c.size]
	clear(block[len(c.buf):])
	c.buf = make([]float32, 0, c.size)
	emit(block)
}

// Len returns the number of pending samples.
func (c *Chunker) Len() int {
	return len(c.buf)
}
