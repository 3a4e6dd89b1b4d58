// Package capture owns continuous microphone acquisition and forwarding of
// encoded frames to the duplex session.
package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/auralis-ai/auralis/pkg/core"
	"github.com/auralis-ai/auralis/pkg/core/audio"
)

const (
	// SampleRate is the fixed capture rate expected by the voice API.
	SampleRate = 16000

	// FrameSize is the number of float32 samples delivered per frame.
	FrameSize = 4096
)

// Device is the microphone surface the pipeline drives. Start registers a
// push callback invoked with each captured frame at the device's natural
// cadence; it does not block. A mid-session read failure is reported through
// onErr, after which the device delivers no more frames; a deliberate Stop
// never fires onErr. Implementations live in pkg/device.
type Device interface {
	Start(onFrame func(samples []float32), onErr func(error)) error
	Stop() error
}

// FrameFunc receives each encoded outbound packet.
type FrameFunc func(audio.Packet)

// LevelFunc receives the RMS level of each captured frame, muted or not.
// Optional; used by the UI level meter.
type LevelFunc func(rms float64)

// ErrorFunc receives the *core.DeviceError raised when the device is lost
// mid-session. Losing the microphone is fatal to the whole session; the
// orchestrator registers this to trigger teardown.
type ErrorFunc func(error)

// Pipeline pulls fixed-size frames from the input device, encodes them, and
// forwards the packets unless muted. While muted, frames are still pulled
// (reconfiguring the device mid-session risks stalls) but not encoded or
// forwarded.
type Pipeline struct {
	dev    Device
	logger *slog.Logger

	muted   atomic.Bool
	onLevel LevelFunc
	onErr   ErrorFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a pipeline over the given device. A nil logger uses the default.
func New(dev Device, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{dev: dev, logger: logger}
}

// SetLevelFunc registers an optional per-frame level callback. Must be called
// before Start.
func (p *Pipeline) SetLevelFunc(fn LevelFunc) {
	p.onLevel = fn
}

// SetErrorFunc registers the mid-session device-loss callback. Must be called
// before Start.
func (p *Pipeline) SetErrorFunc(fn ErrorFunc) {
	p.onErr = fn
}

// Start acquires the device and begins delivering encoded frames to onFrame.
// Returns *core.DeviceError when the device cannot be acquired. Calling Start
// on an already-started pipeline is an error guarded by internal state.
func (p *Pipeline) Start(onFrame FrameFunc) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return core.NewInputDeviceError(errAlreadyStarted)
	}
	p.started = true
	p.mu.Unlock()

	err := p.dev.Start(func(samples []float32) {
		if p.onLevel != nil {
			p.onLevel(audio.RMSLevel(samples))
		}
		if p.muted.Load() {
			return
		}
		onFrame(audio.EncodeFrame(samples, SampleRate))
	}, p.deviceLost)
	if err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return core.NewInputDeviceError(err)
	}

	p.logger.Debug("capture started", "sample_rate", SampleRate, "frame_size", FrameSize)
	return nil
}

// deviceLost surfaces a mid-session read failure as an input DeviceError.
// Errors racing a deliberate Stop are teardown noise and go nowhere.
func (p *Pipeline) deviceLost(err error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}
	p.logger.Warn("capture device lost", "error", err)
	if p.onErr != nil {
		p.onErr(core.NewInputDeviceError(err))
	}
}

// SetMuted toggles frame forwarding. Takes effect on the next captured frame;
// a frame already in flight is unaffected.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports the current mute flag.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Stop disconnects the device tap and releases the device. Idempotent:
// stopping twice, or stopping a pipeline that never started, is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if err := p.dev.Stop(); err != nil {
		p.logger.Warn("capture device stop", "error", err)
	}
	p.logger.Debug("capture stopped")
}

var errAlreadyStarted = &startedError{}

type startedError struct{}

func (*startedError) Error() string { return "capture pipeline already started" }
