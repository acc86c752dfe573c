package audiocapture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// File replays a PCM WAV file as if it were a live microphone: blocks are
// delivered at the file's own pace, scaled by Config.Speed. Multi-channel
// input is mixed down to mono.
type File struct {
	cfg Config
	lc  lifecycle

	f         *os.File
	dec       *wav.Decoder
	channels  int
	scale     float32
	closeOnce sync.Once
}

// NewFile opens cfg.File and checks that it can be replayed at
// cfg.SampleRate. No resampling is performed.
func NewFile(cfg Config) (*File, error) {
	cfg = cfg.withDefaults()

	f, err := os.Open(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("invalid wav file: %s", cfg.File)
	}
	if int(dec.SampleRate) != cfg.SampleRate {
		f.Close()
		return nil, fmt.Errorf("wav sample rate %d Hz, want %d Hz", dec.SampleRate, cfg.SampleRate)
	}
	if dec.BitDepth == 0 || dec.NumChans == 0 {
		f.Close()
		return nil, fmt.Errorf("unsupported wav format: %d-bit, %d channels", dec.BitDepth, dec.NumChans)
	}

	return &File{
		cfg:      cfg,
		f:        f,
		dec:      dec,
		channels: int(dec.NumChans),
		scale:    1 / float32(int(1)<<(dec.BitDepth-1)),
	}, nil
}

// Start begins replay. Delivery stops at end of file; Stop must still be
// called to release the file.
func (c *File) Start(handler AudioHandler) error {
	if handler == nil {
		return errors.New("audiocapture: nil handler")
	}
	if err := c.lc.begin(); err != nil {
		return err
	}

	go c.run(handler)
	slog.Info("file capture started", "file", c.cfg.File, "speed", c.cfg.Speed)
	return nil
}

func (c *File) run(handler AudioHandler) {
	defer close(c.lc.done)

	interval := time.Duration(float64(c.cfg.BlockSize) / float64(c.cfg.SampleRate) / c.cfg.Speed * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	chunker := NewChunker(c.cfg.BlockSize)
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: c.channels, SampleRate: c.cfg.SampleRate},
		Data:   make([]int, c.cfg.BlockSize*c.channels),
	}
	var pending [][]float32
	collect := func(block []float32) { pending = append(pending, block) }
	eof := false

	for {
		select {
		case <-c.lc.stop:
			return
		case <-ticker.C:
		}

		if len(pending) == 0 && !eof {
			n, err := c.dec.PCMBuffer(buf)
			if err != nil && !errors.Is(err, io.EOF) {
				slog.Error("read wav", "file", c.cfg.File, "error", err)
				return
			}
			if n > 0 {
				chunker.Write(c.mono(buf.Data[:n]), collect)
			}
			if n == 0 || errors.Is(err, io.EOF) {
				eof = true
				chunker.Flush(collect)
			}
		}

		if len(pending) == 0 {
			if eof {
				slog.Info("file capture reached end", "file", c.cfg.File)
				return
			}
			continue
		}
		block := pending[0]
		pending = pending[1:]
		handler(block)
	}
}

func (c *File) mono(data []int) []float32 {
	out := make([]float32, len(data)/c.channels)
	for i := range out {
		var sum int
		for ch := range c.channels {
			sum += data[i*c.channels+ch]
		}
		out[i] = float32(sum) / float32(c.channels) * c.scale
	}
	return out
}

// Stop ends replay and closes the file. It is safe to call repeatedly.
func (c *File) Stop() error {
	if c.lc.end() {
		slog.Info("file capture stopped", "file", c.cfg.File)
	}
	var err error
	c.closeOnce.Do(func() {
		err = c.f.Close()
	})
	return err
}
