// Package session implements the microphone streaming session: it owns the
// backend socket and the capture source, and moves between idle and
// recording on start, stop and reset.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.aimuz.me/micstream/audiocapture"
	"go.aimuz.me/micstream/internal/types"
	"go.aimuz.me/micstream/pcm"
	"go.aimuz.me/micstream/socket"
)

// DefaultLanguage is sent when neither the caller nor the configuration
// names a language.
const DefaultLanguage = "esa"

// ErrAborted is returned by Start when Stop, Reset or Close was called before
// the connection and the capture source were both ready.
var ErrAborted = errors.New("session: start aborted")

// State is the recording state of a Session.
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Control message types.
const (
	TypeStart = "start"
	TypeStop  = "stop"
	TypeReset = "reset"
)

// Control is a client-to-server control message.
type Control struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
}

// Event is a value delivered to the host. Value is either a backend message,
// unmodified, or a local lifecycle marker of the form {"type":"start"}.
type Event struct {
	Recording string          `json:"recording,omitempty"`
	Value     json.RawMessage `json:"value"`
	Local     bool            `json:"local,omitempty"`
}

// Sink receives host events. It is called from a single goroutine, never
// while the session is locked.
type Sink func(Event)

// CaptureFunc creates the capture source for one recording.
type CaptureFunc func(cfg audiocapture.Config) (audiocapture.Capturer, error)

// Config configures a Session.
type Config struct {
	Endpoint     string
	Language     string
	Disabled     bool
	SampleRate   int
	BlockSize    int
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Capture is the template passed to the capture factory. SampleRate and
	// BlockSize above take precedence.
	Capture audiocapture.Config
	// NewCapture defaults to audiocapture.New.
	NewCapture CaptureFunc
}

// Session is a single microphone streaming session. All methods are safe for
// concurrent use.
type Session struct {
	cfg  Config
	emit *emitter

	mu          sync.Mutex
	state       State
	starting    bool
	cancelStart context.CancelFunc
	gen         uint64
	closed      bool
	disabled    bool
	language    string
	hasRecorded bool

	conn        *socket.Conn
	capture     audiocapture.Capturer
	recordingID string
	frames      int64
	bytes       int64
	buf         []byte

	closeOnce sync.Once
}

// New creates an idle Session. Events are delivered to sink, which may be
// nil.
func New(cfg Config, sink Sink) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audiocapture.DefaultSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audiocapture.DefaultBlockSize
	}
	if cfg.NewCapture == nil {
		cfg.NewCapture = audiocapture.New
	}
	return &Session{
		cfg:      cfg,
		emit:     newEmitter(sink),
		disabled: cfg.Disabled,
		language: cfg.Language,
	}
}

// Start opens a connection to the backend, announces the recording language
// and streams microphone audio until Stop, Reset or Close.
//
// Start is a no-op returning nil when the session is disabled, closed,
// already recording or already starting. On failure the session stays idle
// and every resource acquired by the attempt is released.
func (s *Session) Start(ctx context.Context, language string) error {
	s.mu.Lock()
	if s.closed || s.disabled || s.starting || s.state == StateRecording {
		s.mu.Unlock()
		return nil
	}
	if language == "" {
		language = s.language
	}
	if language == "" {
		language = DefaultLanguage
	}
	s.starting = true
	s.gen++
	gen := s.gen
	stale := s.conn
	s.conn = nil
	ctx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	s.mu.Unlock()
	defer cancel()

	// A socket left over from the previous recording is closed before the
	// new one is opened.
	if stale != nil {
		_ = stale.Close()
	}

	id := uuid.NewString()
	conn, err := socket.Dial(ctx, s.cfg.Endpoint, socket.Options{
		OnMessage:    s.forward(id),
		OnClose:      s.connClosed(id),
		DialTimeout:  s.cfg.DialTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	})

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		slog.Info("recording start aborted", "recording", id)
		return ErrAborted
	}
	if err != nil {
		s.finishStartLocked()
		s.mu.Unlock()
		slog.Error("connect to backend", "endpoint", s.cfg.Endpoint, "error", err)
		return fmt.Errorf("connect: %w", err)
	}

	s.recordingID = id
	s.frames, s.bytes = 0, 0
	s.pushLocal(TypeStart)
	if err := conn.SendJSON(Control{Type: TypeStart, Language: language}); err != nil {
		s.finishStartLocked()
		s.recordingID = ""
		s.mu.Unlock()
		_ = conn.Close()
		slog.Error("send start", "recording", id, "error", err)
		return fmt.Errorf("send start: %w", err)
	}
	s.mu.Unlock()

	// Opening a device can block, so it happens outside the lock like the
	// dial. The attempt is still starting and Stop, Reset or Close abort it.
	capture, err := s.openCapture(gen)

	s.mu.Lock()
	if s.gen != gen {
		if s.recordingID == id {
			s.recordingID = ""
		}
		s.mu.Unlock()
		if capture != nil {
			_ = capture.Stop()
		}
		_ = conn.Close()
		slog.Info("recording start aborted", "recording", id)
		return ErrAborted
	}
	s.finishStartLocked()
	if err != nil {
		s.recordingID = ""
		s.gen++
		s.mu.Unlock()
		_ = conn.Close()
		slog.Error("open capture", "recording", id, "error", err)
		return fmt.Errorf("open capture: %w", err)
	}

	s.conn = conn
	s.capture = capture
	s.state = StateRecording
	s.hasRecorded = true
	s.mu.Unlock()

	slog.Info("recording started", "recording", id, "language", language, "endpoint", s.cfg.Endpoint)
	return nil
}

// openCapture creates and starts the capture source. Blocks reach the socket
// only while gen is current.
func (s *Session) openCapture(gen uint64) (audiocapture.Capturer, error) {
	cfg := s.cfg.Capture
	cfg.SampleRate = s.cfg.SampleRate
	cfg.BlockSize = s.cfg.BlockSize

	capture, err := s.cfg.NewCapture(cfg)
	if err != nil {
		return nil, err
	}
	if err := capture.Start(s.audioHandler(gen)); err != nil {
		_ = capture.Stop()
		return nil, err
	}
	return capture, nil
}

func (s *Session) finishStartLocked() {
	s.starting = false
	s.cancelStart = nil
}

func (s *Session) audioHandler(gen uint64) audiocapture.AudioHandler {
	return func(samples []float32) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.gen != gen || s.state != StateRecording || !s.conn.IsOpen() {
			return
		}
		s.buf = pcm.AppendEncode(s.buf[:0], samples)
		if err := s.conn.SendBinary(s.buf); err != nil {
			slog.Debug("skip audio frame", "recording", s.recordingID, "error", err)
			return
		}
		s.frames++
		s.bytes += int64(len(s.buf))
	}
}

// Stop ends the current recording. The stop message is sent and announced
// only if the socket is still open. The socket stays open so the backend can
// deliver its final results. Stop is a no-op unless recording or starting,
// and while the session is disabled.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.closed || s.disabled {
		s.mu.Unlock()
		return nil
	}
	capture := s.stopLocked()
	s.mu.Unlock()
	return stopCapture(capture)
}

// stopLocked aborts a pending Start or ends the recording. It returns the
// capture source for the caller to stop outside the lock.
func (s *Session) stopLocked() audiocapture.Capturer {
	if s.abortStartLocked() || s.state != StateRecording {
		return nil
	}
	if s.conn.IsOpen() {
		// Queued before the write so that backend replies to the stop
		// are delivered after the marker.
		s.pushLocal(TypeStop)
		if err := s.conn.SendJSON(Control{Type: TypeStop}); err != nil {
			slog.Warn("send stop", "recording", s.recordingID, "error", err)
		}
	}
	slog.Info("recording stopped", "recording", s.recordingID, "frames", s.frames, "bytes", s.bytes,
		"duration", pcm.Duration(int(s.bytes), s.cfg.SampleRate))
	return s.detachCaptureLocked()
}

func stopCapture(c audiocapture.Capturer) error {
	if c == nil {
		return nil
	}
	return c.Stop()
}

// detachCaptureLocked moves the session to idle and returns the capture
// source for the caller to stop outside the lock.
func (s *Session) detachCaptureLocked() audiocapture.Capturer {
	capture := s.capture
	s.capture = nil
	s.state = StateIdle
	s.gen++
	return capture
}

// abortStartLocked cancels an in-flight Start and reports whether there was
// one.
func (s *Session) abortStartLocked() bool {
	if !s.starting {
		return false
	}
	s.starting = false
	s.gen++
	if s.cancelStart != nil {
		s.cancelStart()
		s.cancelStart = nil
	}
	return true
}

// Reset discards the current recording. The reset message is sent if the
// socket is open; the socket is then closed unconditionally. A recording in
// progress is ended without a stop message. Reset is a no-op while the
// session is disabled.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.closed || s.disabled {
		s.mu.Unlock()
		return nil
	}
	s.abortStartLocked()

	var capture audiocapture.Capturer
	if s.state == StateRecording {
		capture = s.detachCaptureLocked()
	}
	if s.conn.IsOpen() {
		if err := s.conn.SendJSON(Control{Type: TypeReset}); err != nil {
			slog.Warn("send reset", "recording", s.recordingID, "error", err)
		}
	}
	conn := s.conn
	s.conn = nil
	s.hasRecorded = false
	s.pushLocal(TypeReset)
	id := s.recordingID
	s.recordingID = ""
	s.frames, s.bytes = 0, 0
	s.mu.Unlock()

	err := stopCapture(capture)
	if conn != nil {
		_ = conn.Close()
	}
	slog.Info("session reset", "recording", id)
	return err
}

// Close stops any recording, closes the socket and flushes pending host
// events. It tears down a disabled session too. Only the first call has any
// effect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		capture := s.stopLocked()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		err = stopCapture(capture)
		if conn != nil {
			_ = conn.Close()
		}
		s.emit.close()
	})
	return err
}

// SetLanguage sets the language used by the next Start that names none.
func (s *Session) SetLanguage(language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = language
}

// SetDisabled turns the session's operations on or off. While disabled,
// Start, Stop and Reset do nothing; a recording in progress keeps streaming
// until the session is enabled again or closed.
func (s *Session) SetDisabled(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = disabled
}

// State returns the current recording state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	language := s.language
	if language == "" {
		language = DefaultLanguage
	}
	return types.SessionStatus{
		State:       s.state.String(),
		Recording:   s.state == StateRecording,
		HasRecorded: s.hasRecorded,
		Connected:   s.conn.IsOpen(),
		Disabled:    s.disabled,
		Language:    language,
		RecordingID: s.recordingID,
		Frames:      s.frames,
		Bytes:       s.bytes,
		Duration:    pcm.Duration(int(s.bytes), s.cfg.SampleRate).Milliseconds(),
	}
}

func (s *Session) pushLocal(typ string) {
	value, _ := json.Marshal(Control{Type: typ})
	s.emit.push(Event{Recording: s.recordingID, Value: value, Local: true})
}

// forward relays backend messages for one recording. Payloads that are not
// JSON are logged and dropped.
func (s *Session) forward(id string) func([]byte) {
	return func(data []byte) {
		if !json.Valid(data) {
			slog.Warn("discard malformed backend message", "recording", id, "size", len(data))
			return
		}
		s.emit.push(Event{Recording: id, Value: json.RawMessage(data)})
	}
}

func (s *Session) connClosed(id string) func(error) {
	return func(err error) {
		if err != nil {
			slog.Warn("backend connection lost", "recording", id, "error", err)
			return
		}
		slog.Debug("backend connection closed", "recording", id)
	}
}
