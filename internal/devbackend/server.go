// Package devbackend is a local implementation of the audio websocket
// backend, used for development and end-to-end tests of the client.
//
// It accepts the start/stop/reset control protocol, collects binary PCM
// frames, acknowledges progress, reports speech boundaries found by an
// energy VAD, and answers stop with a final result.
package devbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pemistahl/lingua-go"
	"go.aimuz.me/micstream/pcm"
)

// Config configures a Server.
type Config struct {
	SampleRate int
	// AckEvery is the number of audio frames between ack messages.
	// Zero disables acks.
	AckEvery int
	// Transcriber produces the final text. When nil the final message
	// carries a summary of the received audio instead.
	Transcriber Transcriber
	Metrics     *Metrics

	// Speech segmentation. Zero values select the defaults.
	VADThreshold float64
	MinSpeech    time.Duration
	Silence      time.Duration
}

// Server serves the audio websocket endpoint.
type Server struct {
	cfg      Config
	metrics  *Metrics
	upgrader websocket.Upgrader
	detector lingua.LanguageDetector
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics("")
	}
	if cfg.VADThreshold <= 0 {
		cfg.VADThreshold = DefaultVADThreshold
	}
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = DefaultMinSpeech
	}
	if cfg.Silence <= 0 {
		cfg.Silence = DefaultSilence
	}
	return &Server{
		cfg:     cfg,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.English, lingua.Spanish, lingua.Portuguese).
			Build(),
	}
}

// Handler returns the HTTP routes of the backend.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/audio", s.handleAudio)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Message is a server-to-client message.
type Message struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Language   string `json:"language,omitempty"`
	Detected   string `json:"detected,omitempty"`
	Message    string `json:"message,omitempty"`
	Frames     int    `json:"frames,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	OffsetMS   int64  `json:"offset_ms,omitempty"`
	SpeechMS   int64  `json:"speech_ms,omitempty"`
}

type control struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

// stream is the per-connection recording state.
type stream struct {
	conn      *websocket.Conn
	recording bool
	language  string
	audio     bytes.Buffer
	frames    int
	vad       *VAD
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade websocket", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	s.metrics.SessionsTotal.Inc()
	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()
	slog.Info("client connected", "remote", r.RemoteAddr)

	st := &stream{
		conn: conn,
		vad:  NewVAD(s.cfg.VADThreshold, s.cfg.MinSpeech, s.cfg.Silence, s.cfg.SampleRate),
	}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("read websocket", "remote", r.RemoteAddr, "error", err)
			}
			slog.Info("client disconnected", "remote", r.RemoteAddr, "frames", st.frames)
			return
		}

		switch kind {
		case websocket.TextMessage:
			s.handleControl(r.Context(), st, data)
		case websocket.BinaryMessage:
			s.handleFrame(st, data)
		}
	}
}

func (s *Server) handleControl(ctx context.Context, st *stream, data []byte) {
	var msg control
	if err := json.Unmarshal(data, &msg); err != nil {
		s.fail(st, "malformed_control", "control message is not valid JSON")
		return
	}
	s.metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case "start":
		if st.recording {
			s.fail(st, "already_started", "recording already in progress")
			return
		}
		st.recording = true
		st.language = msg.Language
		st.audio.Reset()
		st.frames = 0
		st.vad.Reset()
		slog.Info("recording started", "language", msg.Language)
		s.send(st, Message{Type: "ready", Language: msg.Language})

	case "stop":
		if !st.recording {
			s.fail(st, "not_started", "stop without start")
			return
		}
		st.recording = false
		if ev := st.vad.Flush(); ev.Type == SpeechEnd {
			s.send(st, speechMessage(ev))
		}
		s.send(st, s.finalize(ctx, st))

	case "reset":
		st.recording = false
		st.audio.Reset()
		st.frames = 0
		st.vad.Reset()
		slog.Info("recording reset")

	default:
		s.fail(st, "unknown_type", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) handleFrame(st *stream, data []byte) {
	if !st.recording {
		s.fail(st, "audio_before_start", "audio received outside a recording")
		return
	}
	if len(data)%pcm.BytesPerSample != 0 {
		s.fail(st, "odd_frame", "audio frame has odd length")
		return
	}

	st.audio.Write(data)
	st.frames++
	s.metrics.FramesTotal.Inc()
	s.metrics.AudioBytes.Add(float64(len(data)))

	if ev := st.vad.Process(pcm.Decode(data)); ev.Type != SpeechNone {
		s.send(st, speechMessage(ev))
	}

	if s.cfg.AckEvery > 0 && st.frames%s.cfg.AckEvery == 0 {
		s.send(st, Message{Type: "ack", Frames: st.frames, Bytes: st.audio.Len()})
	}
}

func (s *Server) finalize(ctx context.Context, st *stream) Message {
	n := st.audio.Len()
	final := Message{
		Type:       "final",
		Language:   st.language,
		Frames:     st.frames,
		Bytes:      n,
		DurationMS: pcm.Duration(n, s.cfg.SampleRate).Milliseconds(),
		SpeechMS:   st.vad.Speech().Milliseconds(),
	}

	if s.cfg.Transcriber == nil {
		final.Text = fmt.Sprintf("[%s of audio received]", pcm.Duration(n, s.cfg.SampleRate).Round(100*time.Millisecond))
		return final
	}

	start := time.Now()
	text, err := s.cfg.Transcriber.Transcribe(ctx, pcm.Decode(st.audio.Bytes()), s.cfg.SampleRate, st.language)
	s.metrics.Transcription.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("transcribe recording", "bytes", n, "error", err)
		s.metrics.ErrorsTotal.WithLabelValues("transcription").Inc()
		return Message{Type: "error", Message: "transcription failed"}
	}

	final.Text = strings.TrimSpace(text)
	final.Detected = s.detect(final.Text)
	slog.Info("recording transcribed", "chars", len(final.Text), "detected", final.Detected)
	return final
}

func speechMessage(ev SpeechEvent) Message {
	if ev.Type == SpeechStart {
		return Message{Type: "speech_start", OffsetMS: ev.Offset.Milliseconds()}
	}
	return Message{Type: "speech_end", OffsetMS: ev.Offset.Milliseconds(), DurationMS: ev.Duration.Milliseconds()}
}

// detect returns the ISO 639-1 code of the text's language, or "" when it
// cannot be told.
func (s *Server) detect(text string) string {
	if text == "" {
		return ""
	}
	lang, ok := s.detector.DetectLanguageOf(text)
	if !ok {
		return ""
	}
	return strings.ToLower(lang.IsoCode639_1().String())
}

func (s *Server) fail(st *stream, reason, message string) {
	s.metrics.ErrorsTotal.WithLabelValues(reason).Inc()
	slog.Warn("protocol error", "reason", reason)
	s.send(st, Message{Type: "error", Message: message})
}

func (s *Server) send(st *stream, msg Message) {
	_ = st.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := st.conn.WriteJSON(msg); err != nil {
		slog.Debug("write websocket", "error", err)
	}
}
