// Package playback owns the output audio clock: it decodes inbound chunks and
// schedules them back-to-back against the device's current time, tracking
// every pending buffer so an interruption can stop them all at once.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/auralis-ai/auralis/pkg/core/audio"
)

// Output is the playback device surface the scheduler drives. Implementations
// live in pkg/device; tests use a fake clock.
type Output interface {
	// Now returns the device's current playback position.
	Now() time.Duration

	// SampleRate is the fixed output rate in Hz.
	SampleRate() int

	// Play schedules mono samples to begin at the given device time and
	// calls done when the buffer finishes naturally. It never blocks; the
	// returned stop function cancels the buffer (stopping an already
	// finished buffer is a no-op).
	Play(samples []float32, at time.Duration, done func()) (stop func(), err error)
}

// Scheduler implements gapless playback: each chunk starts exactly when the
// previous one ends, unless the producer has fallen behind real time, in
// which case the clock self-corrects to "now" instead of scheduling in the
// past.
type Scheduler struct {
	out    Output
	logger *slog.Logger

	// onDropped, if set, observes each malformed chunk dropped locally.
	onDropped func()

	mu      sync.Mutex
	cursor  time.Duration
	pending map[int64]func() // buffer id -> stop
	nextID  int64
}

// NewScheduler creates a scheduler over the given output device.
func NewScheduler(out Output, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		out:     out,
		logger:  logger,
		pending: make(map[int64]func()),
	}
}

// SetDropObserver registers a callback invoked once per dropped malformed
// chunk. Used for metrics; must be set before chunks arrive.
func (s *Scheduler) SetDropObserver(fn func()) {
	s.onDropped = fn
}

// Schedule decodes one inbound packet and queues it for gapless playback.
// A malformed chunk is dropped and counted; one bad chunk never ends a live
// conversation, so no error escalates past this method's return value.
func (s *Scheduler) Schedule(pkt audio.Packet) error {
	channels, err := audio.DecodeChunk(pkt.Data, 1)
	if err != nil {
		s.logger.Warn("dropping malformed audio chunk", "error", err)
		if s.onDropped != nil {
			s.onDropped()
		}
		return err
	}
	samples := channels[0]
	format := audio.Format{SampleRate: s.out.SampleRate(), Channels: 1}
	if rate := pkt.SampleRate(); rate > 0 {
		format.SampleRate = rate
	}
	duration := format.Duration(len(samples))

	s.mu.Lock()
	start := s.out.Now()
	if s.cursor > start {
		start = s.cursor
	}

	id := s.nextID
	s.nextID++

	stop, err := s.out.Play(samples, start, func() { s.remove(id) })
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("output device rejected chunk", "error", err)
		return err
	}
	// The cursor only moves for audio that will actually play; a rejected
	// chunk must not leave a silence gap in front of the next one.
	s.cursor = start + duration
	s.pending[id] = stop
	s.mu.Unlock()
	return nil
}

// remove drops a naturally finished buffer from the pending set.
func (s *Scheduler) remove(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Flush force-stops every pending buffer, clears the set, and resets the
// cursor so the next chunk recomputes its start from the device clock.
// Called on interruption and on session close. Never blocks.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	stops := make([]func(), 0, len(s.pending))
	for _, stop := range s.pending {
		stops = append(stops, stop)
	}
	s.pending = make(map[int64]func())
	s.cursor = 0
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Pending returns the number of scheduled-but-unfinished buffers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Cursor returns the device time at which the next chunk would start if it
// arrived while playback is still ahead of real time.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
