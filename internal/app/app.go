// Package app provides the terminal host for the microphone session.
// It reads commands, prints every session event as a JSON line, keeps a
// journal of events and toggles recording from a global hotkey.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.aimuz.me/micstream/audiocapture"
	"go.aimuz.me/micstream/config"
	"go.aimuz.me/micstream/hotkey"
	"go.aimuz.me/micstream/journal"
	"go.aimuz.me/micstream/session"
)

// Options holds the dependencies of a Service that are not configuration.
type Options struct {
	// Out receives the JSON lines. Defaults to os.Stdout.
	Out io.Writer
	// Journal replaces the journal opened from configuration. The Service
	// closes it on Shutdown.
	Journal *journal.Journal
	// NewCapture defaults to audiocapture.New.
	NewCapture session.CaptureFunc
	// ListDevices defaults to audiocapture.InputDevices.
	ListDevices func() ([]string, error)
}

// Service is the terminal host. It owns the session for its lifetime.
type Service struct {
	cfg     *config.Config
	session *session.Session
	journal *journal.Journal
	hotkey  *hotkey.Manager

	listDevices func() ([]string, error)

	// ctx is cancelled on Shutdown so hotkey-triggered starts do not
	// outlive the host.
	ctx    context.Context
	cancel context.CancelFunc

	outMu sync.Mutex
	enc   *json.Encoder

	lastMu        sync.Mutex
	lastRecording string
}

// New creates a Service from cfg.
func New(cfg *config.Config, opts Options) (*Service, error) {
	endpoint, err := cfg.ResolveEndpoint()
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint: %w", err)
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ListDevices == nil {
		opts.ListDevices = audiocapture.InputDevices
	}

	s := &Service{
		cfg:         cfg,
		journal:     opts.Journal,
		listDevices: opts.ListDevices,
		enc:         json.NewEncoder(opts.Out),
	}
	// Backend values are printed as received.
	s.enc.SetEscapeHTML(false)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.journal == nil && cfg.Journal.Enabled {
		s.setupJournal()
	}

	capture := captureConfig(cfg)
	s.session = session.New(session.Config{
		Endpoint:     endpoint,
		Language:     cfg.ResolveLanguage(""),
		Disabled:     cfg.Disabled,
		SampleRate:   capture.SampleRate,
		BlockSize:    capture.BlockSize,
		DialTimeout:  time.Duration(cfg.DialTimeout),
		WriteTimeout: time.Duration(cfg.WriteTimeout),
		Capture:      capture,
		NewCapture:   opts.NewCapture,
	}, s.handleEvent)

	if cfg.Hotkey.Enabled {
		s.setupHotkey()
	}

	slog.Info("session ready", "endpoint", endpoint, "language", cfg.ResolveLanguage(""),
		"disabled", cfg.Disabled, "journal", s.journal != nil)
	return s, nil
}

// Shutdown stops any recording and releases every resource. The journal is
// closed after the session has flushed its pending events.
func (s *Service) Shutdown() {
	if s.hotkey != nil {
		s.hotkey.Stop()
	}
	s.cancel()
	if err := s.session.Close(); err != nil {
		slog.Error("close session", "error", err)
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			slog.Error("close journal", "error", err)
		}
	}
}

func (s *Service) setupJournal() {
	dir := s.cfg.Journal.Path
	if dir == "" {
		dataDir, err := config.DataDir()
		if err != nil {
			slog.Error("get data dir for journal", "error", err)
			return
		}
		dir = filepath.Join(dataDir, "journal")
	}

	j, err := journal.Open(dir, time.Duration(s.cfg.Journal.TTL))
	if err != nil {
		slog.Error("open journal", "error", err)
		return
	}
	s.journal = j
}

func (s *Service) setupHotkey() {
	s.hotkey = hotkey.NewManager(s.cfg.Hotkey.Keys, s.Toggle)
	if err := s.hotkey.Start(); err != nil {
		if errors.Is(err, hotkey.ErrUnsupported) {
			slog.Warn("global hotkey unavailable", "error", err)
		} else {
			slog.Error("start hotkey", "error", err)
		}
		s.hotkey = nil
		return
	}
	slog.Info("hotkey registered", "keys", s.hotkey.String())
}

// handleEvent is the session sink: it journals the event and prints it.
func (s *Service) handleEvent(ev session.Event) {
	if ev.Recording != "" {
		s.lastMu.Lock()
		s.lastRecording = ev.Recording
		s.lastMu.Unlock()

		if s.journal != nil {
			if _, err := s.journal.Append(ev.Recording, ev.Value, ev.Local); err != nil {
				slog.Warn("journal event", "recording", ev.Recording, "error", err)
			}
		}
	}
	s.print(eventLine(ev.Recording, ev.Value, ev.Local))
}

func (s *Service) print(line Line) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if err := s.enc.Encode(line); err != nil {
		slog.Error("write output", "kind", line.Kind, "error", err)
	}
}

func (s *Service) printError(err error) {
	s.print(Line{Kind: KindError, Value: ErrorValue{Message: err.Error()}})
}

func (s *Service) lastRecordingID() string {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastRecording
}
