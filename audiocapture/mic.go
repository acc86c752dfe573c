//go:build cgo

package audiocapture

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// Mic captures from a PortAudio input device.
type Mic struct {
	cfg Config
	lc  lifecycle

	stream *portaudio.Stream
	buf    []float32
}

// NewMic creates a microphone capturer. The device is opened by Start.
func NewMic(cfg Config) (*Mic, error) {
	return &Mic{cfg: cfg.withDefaults()}, nil
}

// Start opens the input device and begins delivering blocks to handler.
func (m *Mic) Start(handler AudioHandler) error {
	if handler == nil {
		return errors.New("audiocapture: nil handler")
	}
	if err := m.lc.begin(); err != nil {
		return err
	}

	if err := m.open(); err != nil {
		m.lc.abort()
		return err
	}

	go m.run(handler)
	slog.Info("microphone capture started",
		"device", m.deviceName(), "sample_rate", m.cfg.SampleRate, "block_size", m.cfg.BlockSize)
	return nil
}

func (m *Mic) open() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}

	m.buf = make([]float32, m.cfg.BlockSize)
	stream, err := m.openStream()
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("start input stream: %w", err)
	}
	m.stream = stream
	return nil
}

func (m *Mic) openStream() (*portaudio.Stream, error) {
	if m.cfg.Device == "" {
		return portaudio.OpenDefaultStream(1, 0, float64(m.cfg.SampleRate), m.cfg.BlockSize, m.buf)
	}

	dev, err := findInputDevice(m.cfg.Device)
	if err != nil {
		return nil, err
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(m.cfg.SampleRate),
		FramesPerBuffer: m.cfg.BlockSize,
	}
	return portaudio.OpenStream(params, m.buf)
}

func (m *Mic) run(handler AudioHandler) {
	defer close(m.lc.done)
	defer m.release()

	for {
		select {
		case <-m.lc.stop:
			return
		default:
		}

		if err := m.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("microphone input overflowed")
			} else {
				slog.Error("read microphone", "error", err)
				return
			}
		}

		block := make([]float32, len(m.buf))
		copy(block, m.buf)
		handler(block)
	}
}

func (m *Mic) release() {
	if err := m.stream.Stop(); err != nil {
		slog.Warn("stop input stream", "error", err)
	}
	if err := m.stream.Close(); err != nil {
		slog.Warn("close input stream", "error", err)
	}
	if err := portaudio.Terminate(); err != nil {
		slog.Warn("terminate portaudio", "error", err)
	}
}

// Stop stops capture and releases the device. It is safe to call repeatedly.
func (m *Mic) Stop() error {
	if m.lc.end() {
		slog.Info("microphone capture stopped")
	}
	return nil
}

func (m *Mic) deviceName() string {
	if m.cfg.Device == "" {
		return "default"
	}
	return m.cfg.Device
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device not found: %s", name)
}

// InputDevices lists the names of devices able to record.
func InputDevices() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}
