package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.aimuz.me/micstream/internal/types"
	"go.aimuz.me/micstream/session"
)

// Start begins a recording. An empty language uses the configured one;
// otherwise aliases such as "Spanish" are resolved first.
func (s *Service) Start(ctx context.Context, language string) error {
	if language != "" {
		language = s.cfg.ResolveLanguage(language)
	}
	err := s.session.Start(ctx, language)
	if errors.Is(err, session.ErrAborted) {
		return nil
	}
	return err
}

// Stop ends the current recording.
func (s *Service) Stop() error {
	return s.session.Stop()
}

// Reset discards the current recording and closes the backend socket.
func (s *Service) Reset() error {
	return s.session.Reset()
}

// Toggle starts a recording when idle and stops it when recording. It
// returns immediately; the transition runs in the background.
func (s *Service) Toggle() {
	if s.session.State() == session.StateRecording {
		go func() {
			if err := s.Stop(); err != nil {
				slog.Error("stop recording", "error", err)
			}
		}()
		return
	}
	s.startAsync(s.ctx, "")
}

// startAsync runs Start in the background so that a slow dial does not hold
// up the commands that follow. Failures are printed.
func (s *Service) startAsync(ctx context.Context, language string) {
	go func() {
		if err := s.Start(ctx, language); err != nil {
			slog.Error("start recording", "error", err)
			s.printError(err)
		}
	}()
}

// Forget deletes the journal entries of a recording.
func (s *Service) Forget(id string) error {
	if s.journal == nil {
		return errors.New("journal disabled")
	}
	if err := s.journal.Delete(id); err != nil {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	s.lastMu.Lock()
	if s.lastRecording == id {
		s.lastRecording = ""
	}
	s.lastMu.Unlock()
	slog.Info("recording forgotten", "recording", id)
	return nil
}

// Status returns a snapshot of the session.
func (s *Service) Status() types.SessionStatus {
	return s.session.Status()
}

// SetLanguage changes the language of later recordings and persists it.
func (s *Service) SetLanguage(language string) error {
	s.cfg.SetLanguage(language)
	s.session.SetLanguage(s.cfg.ResolveLanguage(language))
	return s.saveConfig()
}

// SetDisabled turns start, stop and reset on or off and persists the choice.
// A recording in progress is left running.
func (s *Service) SetDisabled(disabled bool) error {
	s.cfg.SetDisabled(disabled)
	s.session.SetDisabled(disabled)
	return s.saveConfig()
}

func (s *Service) saveConfig() error {
	if s.cfg.Path() == "" {
		return nil
	}
	return s.cfg.Save()
}
