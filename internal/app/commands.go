package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

const usage = "commands: start [lang], stop, reset, status, lang <code>, disable, enable, history [id], forget <id>, recordings, devices, quit"

// Run reads commands from r, one per line, until quit, EOF or ctx is done.
// Command errors are printed and do not end the loop.
func (s *Service) Run(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("read commands: %w", err)
					}
				default:
				}
				return nil
			}
			if err := s.Exec(ctx, line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				s.printError(err)
			}
		}
	}
}

// Exec runs a single command line. Blank lines are ignored. start returns
// before the recording is up; its errors are printed as they happen.
func (s *Service) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "start":
		var language string
		if len(args) > 0 {
			language = args[0]
		}
		s.startAsync(ctx, language)
	case "stop":
		return s.Stop()
	case "reset":
		return s.Reset()
	case "status":
		s.print(Line{Kind: KindStatus, Value: s.Status()})
	case "lang", "language":
		if len(args) != 1 {
			return errors.New("usage: lang <code>")
		}
		return s.SetLanguage(args[0])
	case "disable":
		return s.SetDisabled(true)
	case "enable":
		return s.SetDisabled(false)
	case "history":
		id := s.lastRecordingID()
		if len(args) > 0 {
			id = args[0]
		}
		return s.printHistory(id)
	case "forget":
		if len(args) != 1 {
			return errors.New("usage: forget <id>")
		}
		return s.Forget(args[0])
	case "recordings":
		return s.printRecordings()
	case "devices":
		names, err := s.Devices()
		if err != nil {
			return err
		}
		s.print(Line{Kind: KindDevices, Value: names})
	case "help":
		s.print(Line{Kind: KindHelp, Value: usage})
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("unknown command %q (%s)", cmd, usage)
	}
	return nil
}

func (s *Service) printHistory(id string) error {
	if s.journal == nil {
		return errors.New("journal disabled")
	}
	if id == "" {
		return errors.New("no recording yet")
	}
	entries, err := s.journal.Recording(id)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	s.print(Line{Kind: KindHistory, Recording: id, Value: entries})
	return nil
}

func (s *Service) printRecordings() error {
	if s.journal == nil {
		return errors.New("journal disabled")
	}
	ids, err := s.journal.Recordings()
	if err != nil {
		return fmt.Errorf("list recordings: %w", err)
	}
	s.print(Line{Kind: KindRecordings, Value: ids})
	return nil
}
