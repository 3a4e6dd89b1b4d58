package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// DefaultPlaybackRate is the synthesis output rate of the voice API.
const DefaultPlaybackRate = 24000

// speakerBufferFrames is the render quantum. ~21ms at 24 kHz.
const speakerBufferFrames = 512

// Speaker renders scheduled mono segments through the default output device.
// It implements the playback scheduler's Output interface: a sample-counter
// clock plus non-blocking segment scheduling.
type Speaker struct {
	rate   int
	logger *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	frames int64 // frames rendered since Start
	segs   map[int64]*segment
	nextID int64
	closed bool
}

// segment is one scheduled buffer positioned on the frame timeline.
type segment struct {
	samples []float32
	start   int64
	done    func()
}

// OpenSpeaker acquires the default output device at the given rate and
// starts rendering silence until segments are scheduled.
func OpenSpeaker(rate int, logger *slog.Logger) (*Speaker, error) {
	if rate <= 0 {
		rate = DefaultPlaybackRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := acquirePortAudio(); err != nil {
		return nil, fmt.Errorf("initialize audio: %w", err)
	}

	s := &Speaker{
		rate:   rate,
		logger: logger,
		segs:   make(map[int64]*segment),
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), speakerBufferFrames, s.render)
	if err != nil {
		releasePortAudio()
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		releasePortAudio()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

// SampleRate returns the fixed output rate in Hz.
func (s *Speaker) SampleRate() int { return s.rate }

// Now returns the playback position derived from the frames rendered so far.
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesToDuration(s.frames)
}

// Play schedules mono samples to begin at the given device time. The done
// callback fires once the segment has been fully rendered; the returned stop
// function discards whatever has not been rendered yet.
func (s *Speaker) Play(samples []float32, at time.Duration, done func()) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("speaker is closed")
	}

	id := s.nextID
	s.nextID++
	s.segs[id] = &segment{
		samples: samples,
		start:   s.durationToFrames(at),
		done:    done,
	}
	return func() { s.discard(id) }, nil
}

func (s *Speaker) discard(id int64) {
	s.mu.Lock()
	delete(s.segs, id)
	s.mu.Unlock()
}

// render is the PortAudio output callback. It mixes every live segment into
// the quantum and advances the frame clock. Finished segments notify their
// done callbacks off the audio thread.
func (s *Speaker) render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	s.mu.Lock()
	base := s.frames
	end := base + int64(len(out))
	var finished []func()
	for id, seg := range s.segs {
		from := seg.start
		if from < base {
			from = base
		}
		to := seg.start + int64(len(seg.samples))
		if to > end {
			to = end
		}
		for f := from; f < to; f++ {
			out[f-base] += seg.samples[f-seg.start]
		}
		if seg.start+int64(len(seg.samples)) <= end {
			delete(s.segs, id)
			if seg.done != nil {
				finished = append(finished, seg.done)
			}
		}
	}
	s.frames = end
	s.mu.Unlock()

	for _, done := range finished {
		go done()
	}
}

// Close stops rendering and releases the device. Pending segments are
// discarded without their done callbacks.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.segs = make(map[int64]*segment)
	stream := s.stream
	s.mu.Unlock()

	err := stream.Abort()
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	releasePortAudio()
	return err
}

func (s *Speaker) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(s.rate)
}

func (s *Speaker) durationToFrames(d time.Duration) int64 {
	return int64(d) * int64(s.rate) / int64(time.Second)
}
