package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.aimuz.me/micstream/audiocapture"
)

// ─────────────────────────────────────────────────────────────────────────────
// Test backend
// ─────────────────────────────────────────────────────────────────────────────

type connLog struct {
	frames    []string
	closed    bool
	closeCode int
}

type backend struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	conns []*connLog

	// gate, when set, holds every upgrade until it is closed.
	gate chan struct{}
	// reply, when set, is called for each text frame with the connection.
	reply func(conn *websocket.Conn, msg Control)
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{t: t}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.gate != nil {
			<-b.gate
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		log := &connLog{}
		b.mu.Lock()
		b.conns = append(b.conns, log)
		b.mu.Unlock()

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				b.mu.Lock()
				log.closed = true
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					log.closeCode = ce.Code
				}
				b.mu.Unlock()
				return
			}

			var entry string
			var msg Control
			switch kind {
			case websocket.TextMessage:
				if err := json.Unmarshal(data, &msg); err != nil {
					entry = "text:invalid"
				} else if msg.Language != "" {
					entry = "text:" + msg.Type + ":" + msg.Language
				} else {
					entry = "text:" + msg.Type
				}
			case websocket.BinaryMessage:
				entry = fmt.Sprintf("binary:%d", len(data))
			}
			b.mu.Lock()
			log.frames = append(log.frames, entry)
			b.mu.Unlock()

			if kind == websocket.TextMessage && b.reply != nil {
				b.reply(conn, msg)
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws/audio"
}

func (b *backend) conn(i int) connLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.conns) {
		return connLog{}
	}
	c := *b.conns[i]
	c.frames = append([]string(nil), c.frames...)
	return c
}

func (b *backend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// ─────────────────────────────────────────────────────────────────────────────
// Test capture source and host
// ─────────────────────────────────────────────────────────────────────────────

type fakeCapture struct {
	mu       sync.Mutex
	cfg      audiocapture.Config
	handler  audiocapture.AudioHandler
	starts   int
	stops    int
	startErr error
}

func (f *fakeCapture) Start(h audiocapture.AudioHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.handler = h
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

// push delivers one block the way a capture goroutine would.
func (f *fakeCapture) push(n int) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(make([]float32, n))
	}
}

func (f *fakeCapture) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type captureFactory struct {
	mu       sync.Mutex
	made     []*fakeCapture
	err      error
	startErr error

	// opening, when set, receives a value when New is entered; New then
	// waits for release.
	opening chan struct{}
	release chan struct{}
}

func (cf *captureFactory) New(cfg audiocapture.Config) (audiocapture.Capturer, error) {
	if cf.opening != nil {
		cf.opening <- struct{}{}
		<-cf.release
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.err != nil {
		return nil, cf.err
	}
	c := &fakeCapture{cfg: cfg, startErr: cf.startErr}
	cf.made = append(cf.made, c)
	return c, nil
}

func (cf *captureFactory) last() *fakeCapture {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if len(cf.made) == 0 {
		return nil
	}
	return cf.made[len(cf.made)-1]
}

func (cf *captureFactory) count() int {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return len(cf.made)
}

type host struct {
	mu     sync.Mutex
	events []Event
}

func (h *host) sink(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *host) values() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = string(ev.Value)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newTestSession(t *testing.T, b *backend) (*Session, *captureFactory, *host) {
	t.Helper()
	cf := &captureFactory{}
	h := &host{}
	s := New(Config{Endpoint: b.url(), NewCapture: cf.New}, h.sink)
	t.Cleanup(func() { _ = s.Close() })
	return s, cf, h
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestRecordingRoundTrip(t *testing.T) {
	b := newBackend(t)
	s, cf, h := newTestSession(t, b)

	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != StateRecording {
		t.Fatalf("state = %v, want recording", got)
	}
	capture := cf.last()
	if capture.cfg.SampleRate != 16000 || capture.cfg.BlockSize != 2048 {
		t.Fatalf("capture config = %+v, want 16000 Hz / 2048", capture.cfg)
	}

	capture.push(2048)
	capture.push(2048)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state after Stop = %v, want idle", got)
	}
	if st := s.Status(); !st.HasRecorded || !st.Connected || st.Frames != 2 || st.Bytes != 8192 {
		t.Fatalf("status after Stop = %+v", st)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if st := s.Status(); st.HasRecorded || st.Connected {
		t.Fatalf("status after Reset = %+v", st)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	eventually(t, "socket close", func() bool { return b.conn(0).closed })
	wantWire := []string{"text:start:en", "binary:4096", "binary:4096", "text:stop", "text:reset"}
	if got := b.conn(0).frames; !equal(got, wantWire) {
		t.Errorf("wire = %v, want %v", got, wantWire)
	}
	if code := b.conn(0).closeCode; code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}

	wantHost := []string{`{"type":"start"}`, `{"type":"stop"}`, `{"type":"reset"}`}
	if got := h.values(); !equal(got, wantHost) {
		t.Errorf("host values = %v, want %v", got, wantHost)
	}
	if starts, stops := capture.counts(); starts != 1 || stops != 1 {
		t.Errorf("capture starts/stops = %d/%d, want 1/1", starts, stops)
	}
}

func TestStartLanguageFallback(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		arg        string
		want       string
	}{
		{"default", "", "", "text:start:esa"},
		{"configured", "pt-BR", "", "text:start:pt-BR"},
		{"argument_wins", "pt-BR", "es-ES", "text:start:es-ES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			s, _, _ := newTestSession(t, b)
			s.SetLanguage(tt.configured)

			if err := s.Start(context.Background(), tt.arg); err != nil {
				t.Fatalf("Start: %v", err)
			}
			eventually(t, "start frame", func() bool { return len(b.conn(0).frames) == 1 })
			if got := b.conn(0).frames[0]; got != tt.want {
				t.Fatalf("start frame = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDoubleStartIsNoop(t *testing.T) {
	b := newBackend(t)
	s, cf, _ := newTestSession(t, b)

	for range 2 {
		if err := s.Start(context.Background(), "en"); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if n := cf.count(); n != 1 {
		t.Fatalf("captures created = %d, want 1", n)
	}
	eventually(t, "start frame", func() bool { return len(b.conn(0).frames) == 1 })
	if n := b.count(); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}
}

func TestResetWithoutSocket(t *testing.T) {
	b := newBackend(t)
	s, _, h := newTestSession(t, b)

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	_ = s.Close()

	if n := b.count(); n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}
	if got := h.values(); !equal(got, []string{`{"type":"reset"}`}) {
		t.Fatalf("host values = %v", got)
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	b := newBackend(t)
	s, _, h := newTestSession(t, b)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = s.Close()
	if got := h.values(); len(got) != 0 {
		t.Fatalf("host values = %v, want none", got)
	}
}

func TestBlocksAfterStopAreDropped(t *testing.T) {
	b := newBackend(t)
	s, cf, _ := newTestSession(t, b)

	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	capture := cf.last()
	capture.push(2048)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	capture.push(2048)
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	capture.push(2048)

	eventually(t, "socket close", func() bool { return b.conn(0).closed })
	want := []string{"text:start:en", "binary:4096", "text:stop", "text:reset"}
	if got := b.conn(0).frames; !equal(got, want) {
		t.Fatalf("wire = %v, want %v", got, want)
	}
}

func TestCloseRightAfterStart(t *testing.T) {
	b := newBackend(t)
	s, cf, h := newTestSession(t, b)

	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if starts, stops := cf.last().counts(); starts != 1 || stops != 1 {
		t.Fatalf("capture starts/stops = %d/%d, want 1/1", starts, stops)
	}
	eventually(t, "socket close", func() bool { return b.conn(0).closed })
	want := []string{"text:start:en", "text:stop"}
	if got := b.conn(0).frames; !equal(got, want) {
		t.Fatalf("wire = %v, want %v", got, want)
	}
	if got := h.values(); !equal(got, []string{`{"type":"start"}`, `{"type":"stop"}`}) {
		t.Fatalf("host values = %v", got)
	}

	// A closed session ignores further calls.
	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("Start after Close: %v", err)
	}
	if n := b.count(); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}
}

func TestRestartClosesStraggler(t *testing.T) {
	b := newBackend(t)
	s, cf, _ := newTestSession(t, b)

	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Start(context.Background(), "es-ES"); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	eventually(t, "first socket close", func() bool { return b.conn(0).closed })
	if got := b.conn(0).frames; !equal(got, []string{"text:start:en", "text:stop"}) {
		t.Fatalf("first wire = %v", got)
	}
	eventually(t, "second start", func() bool { return len(b.conn(1).frames) == 1 })
	if got := b.conn(1).frames[0]; got != "text:start:es-ES" {
		t.Fatalf("second start frame = %q", got)
	}
	if b.conn(1).closed {
		t.Fatal("second socket closed while recording")
	}
	if n := cf.count(); n != 2 {
		t.Fatalf("captures created = %d, want 2", n)
	}
}

func TestBackendMessagesForwarded(t *testing.T) {
	b := newBackend(t)
	partial := `{"type":"partial","text":"hola","meta":{"n":1}}`
	b.reply = func(conn *websocket.Conn, msg Control) {
		if msg.Type != TypeStart {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(partial))
	}
	s, _, h := newTestSession(t, b)

	if err := s.Start(context.Background(), "es-ES"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "forwarded message", func() bool { return len(h.values()) == 2 })

	got := h.values()
	if got[0] != `{"type":"start"}` || got[1] != partial {
		t.Fatalf("host values = %v", got)
	}
	if s.State() != StateRecording {
		t.Fatal("malformed message ended the recording")
	}
}

func TestDialFailureLeavesIdle(t *testing.T) {
	b := newBackend(t)
	url := b.url()
	b.srv.Close()

	cf := &captureFactory{}
	h := &host{}
	s := New(Config{Endpoint: url, NewCapture: cf.New, DialTimeout: time.Second}, h.sink)
	defer s.Close()

	if err := s.Start(context.Background(), "en"); err == nil {
		t.Fatal("expected error")
	}
	st := s.Status()
	if st.Recording || st.Connected || st.HasRecorded {
		t.Fatalf("status after failed Start = %+v", st)
	}
	if n := cf.count(); n != 0 {
		t.Fatalf("captures created = %d, want 0", n)
	}
}

func TestCaptureFailureReleasesSocket(t *testing.T) {
	tests := []struct {
		name string
		cf   *captureFactory
	}{
		{"factory", &captureFactory{err: errors.New("no microphone")}},
		{"start", &captureFactory{startErr: errors.New("permission denied")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			s := New(Config{Endpoint: b.url(), NewCapture: tt.cf.New}, nil)
			defer s.Close()

			if err := s.Start(context.Background(), "en"); err == nil {
				t.Fatal("expected error")
			}
			if st := s.Status(); st.Recording || st.Connected || st.HasRecorded || st.RecordingID != "" {
				t.Fatalf("status after failed Start = %+v", st)
			}
			eventually(t, "socket close", func() bool { return b.conn(0).closed })
			if c := tt.cf.last(); c != nil {
				if _, stops := c.counts(); stops != 1 {
					t.Fatalf("capture stops = %d, want 1", stops)
				}
			}
		})
	}
}

func TestStopAbortsPendingStart(t *testing.T) {
	b := newBackend(t)
	b.gate = make(chan struct{})
	s, cf, _ := newTestSession(t, b)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), "en") }()

	time.Sleep(50 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(b.gate)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Start returned nil after abort")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}
	if s.State() != StateIdle {
		t.Fatal("session recording after aborted start")
	}
	if n := cf.count(); n != 0 {
		t.Fatalf("captures created = %d, want 0", n)
	}
}

func TestDroppedSocketSkipsSends(t *testing.T) {
	b := newBackend(t)
	b.reply = func(conn *websocket.Conn, msg Control) {
		if msg.Type == TypeStart {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		}
	}
	s, cf, h := newTestSession(t, b)

	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "socket drop", func() bool { return !s.Status().Connected })

	cf.last().push(2048)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := s.Status(); st.Frames != 0 {
		t.Fatalf("frames sent on dropped socket = %d", st.Frames)
	}
	_ = s.Close()
	if got := h.values(); !equal(got, []string{`{"type":"start"}`}) {
		t.Fatalf("host values = %v, want start only", got)
	}
}

func TestDisabled(t *testing.T) {
	b := newBackend(t)
	cf := &captureFactory{}
	s := New(Config{Endpoint: b.url(), NewCapture: cf.New, Disabled: true}, nil)
	defer s.Close()

	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateIdle || b.count() != 0 {
		t.Fatal("disabled session started")
	}

	s.SetDisabled(false)
	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateRecording {
		t.Fatal("enabled session did not start")
	}
}

func TestDisabledSendsNothing(t *testing.T) {
	tests := []struct {
		name      string
		stop      bool // stop before disabling
		state     State
		wantStops int
	}{
		{"after stop", true, StateIdle, 1},
		{"while recording", false, StateRecording, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			s, cf, h := newTestSession(t, b)

			if err := s.Start(context.Background(), "en"); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if tt.stop {
				if err := s.Stop(); err != nil {
					t.Fatalf("Stop: %v", err)
				}
			}
			s.SetDisabled(true)

			for _, op := range []struct {
				name string
				fn   func() error
			}{
				{"Stop", s.Stop},
				{"Reset", s.Reset},
				{"Start", func() error { return s.Start(context.Background(), "fr") }},
			} {
				if err := op.fn(); err != nil {
					t.Fatalf("%s while disabled: %v", op.name, err)
				}
			}

			st := s.Status()
			if st.State != tt.state.String() || !st.HasRecorded || !st.Connected {
				t.Fatalf("status while disabled = %+v", st)
			}
			if n := b.count(); n != 1 {
				t.Fatalf("connections = %d, want 1", n)
			}
			if _, stops := cf.last().counts(); stops != tt.wantStops {
				t.Fatalf("capture stops = %d, want %d", stops, tt.wantStops)
			}

			// Close tears down a disabled session: a recording still in
			// progress is stopped, without a reset.
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			eventually(t, "socket close", func() bool { return b.conn(0).closed })
			wantWire := []string{"text:start:en", "text:stop"}
			if got := b.conn(0).frames; !equal(got, wantWire) {
				t.Errorf("wire = %v, want %v", got, wantWire)
			}
			wantHost := []string{`{"type":"start"}`, `{"type":"stop"}`}
			if got := h.values(); !equal(got, wantHost) {
				t.Errorf("host values = %v, want %v", got, wantHost)
			}
			if _, stops := cf.last().counts(); stops != 1 {
				t.Errorf("capture stops after Close = %d, want 1", stops)
			}
		})
	}
}

func TestStopAbortsPendingCapture(t *testing.T) {
	b := newBackend(t)
	cf := &captureFactory{opening: make(chan struct{}, 1), release: make(chan struct{})}
	s := New(Config{Endpoint: b.url(), NewCapture: cf.New}, nil)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), "en") }()

	select {
	case <-cf.opening:
	case <-time.After(3 * time.Second):
		t.Fatal("capture factory was not called")
	}

	returned := make(chan struct{})
	go func() {
		_ = s.Status()
		_ = s.Stop()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Status and Stop blocked on the capture factory")
	}
	close(cf.release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("Start = %v, want ErrAborted", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}

	if st := s.Status(); st.Recording || st.Connected || st.HasRecorded || st.RecordingID != "" {
		t.Fatalf("status after aborted start = %+v", st)
	}
	if _, stops := cf.last().counts(); stops != 1 {
		t.Fatalf("capture stops = %d, want 1", stops)
	}
	eventually(t, "socket close", func() bool { return b.conn(0).closed })

	// The session is usable again.
	cf.opening = nil
	if err := s.Start(context.Background(), "en"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if s.State() != StateRecording {
		t.Fatal("second Start did not record")
	}
}

func TestStateString(t *testing.T) {
	if StateIdle.String() != "idle" || StateRecording.String() != "recording" {
		t.Fatal("unexpected state names")
	}
	if got := State(7).String(); got != "State(7)" {
		t.Fatalf("State(7) = %q", got)
	}
}
