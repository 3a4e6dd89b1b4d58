package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/auralis-ai/auralis/pkg/core/voice/capture"
)

// Microphone reads fixed-size frames from the default input device. It
// implements capture.Device.
type Microphone struct {
	logger *slog.Logger

	mu       sync.Mutex
	stream   *portaudio.Stream
	cancel   context.CancelFunc
	stopOnce *sync.Once
}

// NewMicrophone creates an unopened microphone. The device is acquired on
// Start.
func NewMicrophone(logger *slog.Logger) *Microphone {
	if logger == nil {
		logger = slog.Default()
	}
	return &Microphone{logger: logger}
}

// Start acquires the default input device and begins delivering frames of
// capture.FrameSize samples at capture.SampleRate until Stop. A read failure
// while the stream is live ends delivery and is reported through onErr; a
// read interrupted by Stop is not.
func (m *Microphone) Start(onFrame func(samples []float32), onErr func(error)) error {
	if err := acquirePortAudio(); err != nil {
		return fmt.Errorf("initialize audio: %w", err)
	}

	buf := make([]float32, capture.FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(capture.SampleRate), capture.FrameSize, buf)
	if err != nil {
		releasePortAudio()
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		releasePortAudio()
		return fmt.Errorf("start input stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.stream = stream
	m.cancel = cancel
	m.stopOnce = &sync.Once{}
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := stream.Read(); err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("microphone read failed", "error", err)
					if onErr != nil {
						onErr(fmt.Errorf("read input stream: %w", err))
					}
				}
				return
			}
			frame := make([]float32, len(buf))
			copy(frame, buf)
			onFrame(frame)
		}
	}()
	return nil
}

// Stop ends the read loop and releases the device. Idempotent.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	stream, cancel, once := m.stream, m.cancel, m.stopOnce
	m.mu.Unlock()
	if once == nil {
		return nil
	}
	once.Do(func() {
		cancel()
		_ = stream.Abort()
		_ = stream.Close()
		releasePortAudio()
	})
	return nil
}
