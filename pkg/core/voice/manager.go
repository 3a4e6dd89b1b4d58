// Package voice orchestrates a realtime voice session: it owns the capture
// pipeline, the duplex connection, and the playback scheduler, and exposes a
// single lifecycle surface (Open, Close, SetMuted, ChangePersona) plus an
// event stream for the UI.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auralis-ai/auralis/internal/observe"
	"github.com/auralis-ai/auralis/pkg/core"
	"github.com/auralis-ai/auralis/pkg/core/audio"
	"github.com/auralis-ai/auralis/pkg/core/voice/capture"
	"github.com/auralis-ai/auralis/pkg/core/voice/duplex"
)

// Capture is the microphone pipeline surface the manager drives.
// *capture.Pipeline implements it.
type Capture interface {
	SetLevelFunc(capture.LevelFunc)
	SetErrorFunc(capture.ErrorFunc)
	Start(capture.FrameFunc) error
	SetMuted(bool)
	Muted() bool
	Stop()
}

// Duplex is the connection surface the manager drives. *duplex.Session
// implements it.
type Duplex interface {
	Send(audio.Packet) error
	Close() error
	Done() <-chan struct{}
}

// Scheduler is the playback surface the manager drives. *playback.Scheduler
// implements it.
type Scheduler interface {
	Schedule(pkt audio.Packet) error
	Flush()
}

// Deps supplies the factories the manager uses to acquire session resources.
// Each Open call acquires fresh resources; each Close releases them.
type Deps struct {
	// OpenCapture acquires the microphone pipeline.
	OpenCapture func() (Capture, error)

	// OpenPlayback acquires the output device and a scheduler over it. The
	// returned release function closes the device.
	OpenPlayback func() (Scheduler, func() error, error)

	// Connect establishes the duplex channel.
	Connect func(ctx context.Context, cfg duplex.Config, h duplex.Handlers) (Duplex, error)
}

// Config parameterizes the manager. Persona-independent connection settings
// live here; the persona supplies voice and instruction per session.
type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	DialTimeout time.Duration
}

const (
	stateIdle int32 = iota
	stateOpening
	stateActive
	stateClosing
)

// eventDepth bounds the event channel. Events are UI hints; a slow consumer
// loses level updates, never correctness.
const eventDepth = 64

// Manager is the voice session orchestrator. At most one session is active at
// a time; Open and Close are idempotent and safe to call concurrently.
type Manager struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics *observe.Metrics

	state atomic.Int32
	muted atomic.Bool

	events chan Event

	mu      sync.Mutex
	persona Persona
	capture Capture
	sched   Scheduler
	release func() error
	conn    Duplex
}

// NewManager creates an orchestrator. All three Deps factories are required.
// A nil logger uses the default; nil metrics use the global instruments.
func NewManager(cfg Config, deps Deps, logger *slog.Logger, metrics *observe.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: metrics,
		events:  make(chan Event, eventDepth),
	}
}

// Events returns the manager's event stream. Events are dropped, never
// blocked on, when the consumer falls behind.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Active reports whether a session is currently established.
func (m *Manager) Active() bool {
	return m.state.Load() == stateActive
}

// CurrentPersona returns the persona of the active session, if any.
func (m *Manager) CurrentPersona() (Persona, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Load() != stateActive {
		return Persona{}, false
	}
	return m.persona, true
}

// Open establishes a voice session for the given persona. Calling Open while
// a session is active or in transition is a no-op. The credential is checked
// before any device is touched; if any resource fails to come up, everything
// that did come up is released before the error is returned.
func (m *Manager) Open(ctx context.Context, p Persona) error {
	if !m.state.CompareAndSwap(stateIdle, stateOpening) {
		return nil
	}
	ok := false
	defer func() {
		if !ok {
			m.state.Store(stateIdle)
		}
	}()

	if m.cfg.APIKey == "" {
		return core.ErrMissingAPIKey
	}

	sched, release, err := m.deps.OpenPlayback()
	if err != nil {
		return core.NewOutputDeviceError(err)
	}
	pipe, err := m.deps.OpenCapture()
	if err != nil {
		if release != nil {
			_ = release()
		}
		return err
	}
	pipe.SetMuted(m.muted.Load())
	pipe.SetLevelFunc(func(rms float64) {
		m.emit(InputLevel{RMS: rms})
	})
	// Losing the microphone mid-session leaves a session that can only
	// listen; tear the whole thing down, same as a remote disconnect.
	pipe.SetErrorFunc(func(err error) {
		m.metrics.RecordSessionError(context.Background(), errorKind(err))
		m.emit(SessionError{Err: err})
		go m.closeIfCurrentCapture(pipe)
	})

	if obs, canObserve := sched.(interface{ SetDropObserver(func()) }); canObserve {
		obs.SetDropObserver(func() {
			m.metrics.ChunksDropped.Add(context.Background(), 1)
		})
	}

	handlers := duplex.Handlers{
		OnAudioChunk: func(pkt audio.Packet) {
			if err := sched.Schedule(pkt); err == nil {
				m.metrics.ChunksScheduled.Add(context.Background(), 1)
			}
		},
		OnInterrupt: func() {
			sched.Flush()
			m.metrics.Interruptions.Add(context.Background(), 1)
			m.emit(SessionInterrupted{})
		},
		OnError: func(err error) {
			m.metrics.RecordSessionError(context.Background(), errorKind(err))
			m.emit(SessionError{Err: err})
		},
	}

	var conn Duplex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := m.deps.Connect(gctx, duplex.Config{
			Endpoint:    m.cfg.Endpoint,
			APIKey:      m.cfg.APIKey,
			Model:       m.cfg.Model,
			Voice:       p.Voice,
			Instruction: p.Instruction,
			DialTimeout: m.cfg.DialTimeout,
		}, handlers)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	g.Go(func() error {
		return pipe.Start(m.forward)
	})
	if err := g.Wait(); err != nil {
		pipe.Stop()
		if conn != nil {
			_ = conn.Close()
		}
		if release != nil {
			_ = release()
		}
		return err
	}

	m.mu.Lock()
	m.persona = p
	m.capture = pipe
	m.sched = sched
	m.release = release
	m.conn = conn
	m.mu.Unlock()

	m.state.Store(stateActive)
	m.metrics.ActiveSessions.Add(ctx, 1)

	// Remote disconnects flow through the same teardown path as a local
	// Close. The watcher only acts on its own connection, so one left over
	// from a closed session can never touch a newer one.
	go func(c Duplex) {
		<-c.Done()
		m.closeIfCurrent(c)
	}(conn)

	m.emit(SessionOpened{Persona: p})
	m.logger.Info("voice session open", "persona", p.ID, "voice", p.Voice)
	ok = true
	return nil
}

// forward sends one encoded capture frame to the live connection. Frames
// arriving while no session is open, or during teardown, are dropped.
func (m *Manager) forward(pkt audio.Packet) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Send(pkt); err != nil {
		return
	}
	m.metrics.FramesSent.Add(context.Background(), 1)
}

// Close tears the active session down: capture stops first so no new frames
// chase a closing connection, then the connection, then playback. Teardown
// runs to completion even when individual steps fail; the failures are
// joined and returned. Idempotent.
func (m *Manager) Close() error {
	if !m.state.CompareAndSwap(stateActive, stateClosing) {
		return nil
	}

	m.mu.Lock()
	pipe, conn, sched, release := m.capture, m.conn, m.sched, m.release
	m.capture, m.conn, m.sched, m.release = nil, nil, nil, nil
	m.persona = Persona{}
	m.mu.Unlock()

	var errs []error
	if pipe != nil {
		pipe.Stop()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if sched != nil {
		sched.Flush()
	}
	if release != nil {
		if err := release(); err != nil {
			errs = append(errs, err)
		}
	}

	m.metrics.ActiveSessions.Add(context.Background(), -1)
	m.state.Store(stateIdle)
	m.emit(SessionClosed{})
	m.logger.Info("voice session closed")
	return errors.Join(errs...)
}

// closeIfCurrent runs teardown only when c is still the active connection.
// During a local Close the fields are cleared before the connection closes,
// so the watcher finds no match and does nothing.
func (m *Manager) closeIfCurrent(c Duplex) {
	m.mu.Lock()
	match := m.conn == c
	m.mu.Unlock()
	if match {
		_ = m.Close()
	}
}

// closeIfCurrentCapture is the same guard keyed to the capture pipeline, for
// teardown triggered by input device loss.
func (m *Manager) closeIfCurrentCapture(c Capture) {
	m.mu.Lock()
	match := m.capture == c
	m.mu.Unlock()
	if match {
		_ = m.Close()
	}
}

// SetMuted toggles microphone forwarding. The flag outlives the session: it
// applies to the active session if there is one and carries over to the next
// Open.
func (m *Manager) SetMuted(muted bool) {
	m.muted.Store(muted)
	m.mu.Lock()
	pipe := m.capture
	m.mu.Unlock()
	if pipe != nil {
		pipe.SetMuted(muted)
	}
}

// Muted reports the mute flag.
func (m *Manager) Muted() bool {
	return m.muted.Load()
}

// ChangePersona switches the session to a new persona by closing the current
// session and opening a fresh one. Works whether or not a session is active.
func (m *Manager) ChangePersona(ctx context.Context, p Persona) error {
	if err := m.Close(); err != nil {
		m.logger.Warn("teardown before persona change", "error", err)
	}
	return m.Open(ctx, p)
}

// emit delivers one event without ever blocking the pipeline.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// errorKind classifies a fatal session error for metrics.
func errorKind(err error) string {
	var remote *core.RemoteRejectedError
	switch {
	case core.IsDeviceUnavailable(err):
		return "device"
	case errors.As(err, &remote):
		return "remote"
	default:
		return "network"
	}
}
