package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/auralis-ai/auralis/pkg/core"
	"github.com/auralis-ai/auralis/pkg/core/audio"
	"github.com/auralis-ai/auralis/pkg/core/voice/capture"
	"github.com/auralis-ai/auralis/pkg/core/voice/duplex"
)

type fakeCapture struct {
	mu       sync.Mutex
	starts   int
	stops    int
	muted    bool
	onFrame  func(audio.Packet)
	onErr    capture.ErrorFunc
	startErr error
}

func (c *fakeCapture) SetLevelFunc(capture.LevelFunc) {}

func (c *fakeCapture) SetErrorFunc(fn capture.ErrorFunc) {
	c.mu.Lock()
	c.onErr = fn
	c.mu.Unlock()
}

func (c *fakeCapture) Start(onFrame capture.FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	c.onFrame = onFrame
	return nil
}

func (c *fakeCapture) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

func (c *fakeCapture) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
}

func (c *fakeCapture) frame(pkt audio.Packet) {
	c.mu.Lock()
	fn := c.onFrame
	c.mu.Unlock()
	if fn != nil {
		fn(pkt)
	}
}

// fail simulates the pipeline losing its device mid-session.
func (c *fakeCapture) fail(err error) {
	c.mu.Lock()
	fn := c.onErr
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type fakeConn struct {
	mu     sync.Mutex
	sent   []audio.Packet
	closes int

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(pkt audio.Packet) error {
	c.mu.Lock()
	c.sent = append(c.sent, pkt)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

// remoteClose simulates the far side dropping the connection.
func (c *fakeConn) remoteClose() {
	c.closeOnce.Do(func() { close(c.done) })
}

type fakeSched struct {
	mu        sync.Mutex
	scheduled int
	flushes   int
}

func (s *fakeSched) Schedule(audio.Packet) error {
	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()
	return nil
}

func (s *fakeSched) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *fakeSched) counts() (scheduled, flushes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled, s.flushes
}

// harness wires a Manager to fakes and records every factory invocation.
type harness struct {
	mu          sync.Mutex
	mgr         *Manager
	pipe        *fakeCapture
	sched       *fakeSched
	conn        *fakeConn
	handlers    duplex.Handlers
	connectCfg  duplex.Config
	connects    int
	releases    int
	captureErr  error
	playbackErr error
	connectErr  error
}

func newHarness(cfg Config) *harness {
	h := &harness{
		pipe:  &fakeCapture{},
		sched: &fakeSched{},
	}
	deps := Deps{
		OpenCapture: func() (Capture, error) {
			if h.captureErr != nil {
				return nil, core.NewInputDeviceError(h.captureErr)
			}
			return h.pipe, nil
		},
		OpenPlayback: func() (Scheduler, func() error, error) {
			if h.playbackErr != nil {
				return nil, nil, h.playbackErr
			}
			return h.sched, func() error {
				h.mu.Lock()
				h.releases++
				h.mu.Unlock()
				return nil
			}, nil
		},
		Connect: func(_ context.Context, cfg duplex.Config, hs duplex.Handlers) (Duplex, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.connects++
			if h.connectErr != nil {
				return nil, h.connectErr
			}
			h.conn = newFakeConn()
			h.handlers = hs
			h.connectCfg = cfg
			return h.conn, nil
		},
	}
	h.mgr = NewManager(cfg, deps, nil, nil)
	return h
}

func testConfig() Config {
	return Config{
		Endpoint: "wss://voice.example/v1/live",
		APIKey:   "test-key",
		Model:    "models/test-live",
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if _, level := ev.(InputLevel); level {
				continue
			}
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenEstablishesSession(t *testing.T) {
	h := newHarness(testConfig())
	p := Persona{ID: "assistant", Voice: "Puck", Instruction: "be brief"}

	if err := h.mgr.Open(context.Background(), p); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !h.mgr.Active() {
		t.Fatal("manager not active after open")
	}
	if got, ok := h.mgr.CurrentPersona(); !ok || got.ID != "assistant" {
		t.Errorf("current persona = %+v, %v", got, ok)
	}
	if h.connectCfg.Voice != "Puck" || h.connectCfg.Instruction != "be brief" {
		t.Errorf("persona not bound into connect config: %+v", h.connectCfg)
	}
	if ev := waitEvent(t, h.mgr.Events()); ev != (SessionOpened{Persona: p}) {
		t.Errorf("first event = %#v, want SessionOpened", ev)
	}

	// A second open while active changes nothing.
	if err := h.mgr.Open(context.Background(), Persona{ID: "other", Voice: "Charon"}); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if h.connects != 1 {
		t.Errorf("connect called %d times, want 1", h.connects)
	}
	if got, _ := h.mgr.CurrentPersona(); got.ID != "assistant" {
		t.Errorf("persona changed by redundant open: %q", got.ID)
	}
}

func TestOpenFailsFastWithoutAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = ""
	h := newHarness(cfg)

	err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"})
	if !errors.Is(err, core.ErrMissingAPIKey) {
		t.Fatalf("got %v, want ErrMissingAPIKey", err)
	}
	if h.pipe.starts != 0 || h.connects != 0 || h.releases != 0 {
		t.Error("resources touched despite missing credential")
	}
	if h.mgr.Active() {
		t.Error("manager active after failed open")
	}
}

func TestOpenTeardownOnConnectFailure(t *testing.T) {
	h := newHarness(testConfig())
	h.connectErr = errors.New("dial refused")

	err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"})
	if err == nil {
		t.Fatal("open succeeded despite connect failure")
	}
	waitFor(t, "partial teardown", func() bool {
		h.pipe.mu.Lock()
		stops := h.pipe.stops
		h.pipe.mu.Unlock()
		h.mu.Lock()
		rel := h.releases
		h.mu.Unlock()
		return stops == 1 && rel == 1
	})

	// The manager is reusable after a failed open.
	h.connectErr = nil
	if err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !h.mgr.Active() {
		t.Error("manager not active after reopen")
	}
}

func TestOpenTeardownOnCaptureFailure(t *testing.T) {
	h := newHarness(testConfig())
	h.captureErr = errors.New("no default input device")

	err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"})
	if !core.IsDeviceUnavailable(err) {
		t.Fatalf("got %v, want DeviceError", err)
	}
	if h.releases != 1 {
		t.Errorf("playback released %d times, want 1", h.releases)
	}
	if h.connects != 0 {
		t.Errorf("connect called %d times after device failure, want 0", h.connects)
	}
}

func TestCloseReleasesEverythingOnce(t *testing.T) {
	h := newHarness(testConfig())
	if err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitEvent(t, h.mgr.Events()) // SessionOpened

	for i := 0; i < 3; i++ {
		if err := h.mgr.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	if h.pipe.stops != 1 {
		t.Errorf("capture stopped %d times, want 1", h.pipe.stops)
	}
	if h.conn.closes != 1 {
		t.Errorf("connection closed %d times, want 1", h.conn.closes)
	}
	if h.releases != 1 {
		t.Errorf("playback released %d times, want 1", h.releases)
	}
	if _, flushes := h.sched.counts(); flushes != 1 {
		t.Errorf("scheduler flushed %d times, want 1", flushes)
	}
	if ev := waitEvent(t, h.mgr.Events()); ev != (SessionClosed{}) {
		t.Errorf("event = %#v, want SessionClosed", ev)
	}
	select {
	case ev := <-h.mgr.Events():
		t.Errorf("unexpected extra event %#v", ev)
	default:
	}
}

func TestRemoteDisconnectTearsDown(t *testing.T) {
	h := newHarness(testConfig())
	if err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"}); err != nil {
		t.Fatalf("open: %v", err)
	}

	h.conn.remoteClose()

	waitFor(t, "teardown after remote disconnect", func() bool {
		return !h.mgr.Active()
	})
	waitFor(t, "capture stop", func() bool {
		h.pipe.mu.Lock()
		defer h.pipe.mu.Unlock()
		return h.pipe.stops == 1
	})
	if h.releases != 1 {
		t.Errorf("playback released %d times, want 1", h.releases)
	}
}

func TestInputDeviceLossTearsDownSession(t *testing.T) {
	h := newHarness(testConfig())
	if err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitEvent(t, h.mgr.Events()) // SessionOpened

	h.pipe.fail(core.NewInputDeviceError(errors.New("device unplugged")))

	waitFor(t, "teardown after device loss", func() bool {
		return !h.mgr.Active()
	})
	waitFor(t, "capture stop", func() bool {
		h.pipe.mu.Lock()
		defer h.pipe.mu.Unlock()
		return h.pipe.stops == 1
	})
	h.conn.mu.Lock()
	closes := h.conn.closes
	h.conn.mu.Unlock()
	if closes != 1 {
		t.Errorf("connection closed %d times, want 1", closes)
	}
	if h.releases != 1 {
		t.Errorf("playback released %d times, want 1", h.releases)
	}

	ev := waitEvent(t, h.mgr.Events())
	se, isErr := ev.(SessionError)
	if !isErr || !core.IsDeviceUnavailable(se.Err) {
		t.Fatalf("event = %#v, want SessionError wrapping a DeviceError", ev)
	}
	if ev := waitEvent(t, h.mgr.Events()); ev != (SessionClosed{}) {
		t.Errorf("event = %#v, want SessionClosed", ev)
	}
}

func TestFramesForwardToConnection(t *testing.T) {
	h := newHarness(testConfig())
	if err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"}); err != nil {
		t.Fatalf("open: %v", err)
	}

	pkt := audio.EncodeFrame(make([]float32, 160), 16000)
	h.pipe.frame(pkt)
	h.pipe.frame(pkt)

	h.conn.mu.Lock()
	sent := len(h.conn.sent)
	h.conn.mu.Unlock()
	if sent != 2 {
		t.Errorf("forwarded %d frames, want 2", sent)
	}

	// After close, frames are silently dropped.
	_ = h.mgr.Close()
	h.pipe.frame(pkt)
	h.conn.mu.Lock()
	sent = len(h.conn.sent)
	h.conn.mu.Unlock()
	if sent != 2 {
		t.Errorf("frame forwarded after close (total %d)", sent)
	}
}

func TestInterruptFlushesPlayback(t *testing.T) {
	h := newHarness(testConfig())
	if err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitEvent(t, h.mgr.Events()) // SessionOpened

	h.handlers.OnAudioChunk(audio.EncodeFrame(make([]float32, 2400), 24000))
	h.handlers.OnInterrupt()

	scheduled, flushes := h.sched.counts()
	if scheduled != 1 || flushes != 1 {
		t.Errorf("scheduled=%d flushes=%d, want 1 and 1", scheduled, flushes)
	}
	if ev := waitEvent(t, h.mgr.Events()); ev != (SessionInterrupted{}) {
		t.Errorf("event = %#v, want SessionInterrupted", ev)
	}
}

func TestMutePersistsAcrossSessions(t *testing.T) {
	h := newHarness(testConfig())

	h.mgr.SetMuted(true)
	if err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !h.pipe.Muted() {
		t.Error("mute flag not applied to fresh session")
	}

	h.mgr.SetMuted(false)
	if h.pipe.Muted() {
		t.Error("unmute not forwarded to live capture")
	}
}

func TestChangePersonaReopensSession(t *testing.T) {
	h := newHarness(testConfig())
	if err := h.mgr.Open(context.Background(), Persona{ID: "assistant", Voice: "Puck"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	first := h.conn

	if err := h.mgr.ChangePersona(context.Background(), Persona{ID: "narrator", Voice: "Charon"}); err != nil {
		t.Fatalf("change persona: %v", err)
	}

	if h.connects != 2 {
		t.Errorf("connect called %d times, want 2", h.connects)
	}
	first.mu.Lock()
	oldCloses := first.closes
	first.mu.Unlock()
	if oldCloses != 1 {
		t.Errorf("old connection closed %d times, want 1", oldCloses)
	}
	if h.connectCfg.Voice != "Charon" {
		t.Errorf("new session voice = %q, want Charon", h.connectCfg.Voice)
	}
	if got, _ := h.mgr.CurrentPersona(); got.ID != "narrator" {
		t.Errorf("current persona = %q, want narrator", got.ID)
	}
}
