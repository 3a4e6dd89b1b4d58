// Package device implements the microphone and speaker backends on top of
// PortAudio. The capture pipeline and playback scheduler stay device-agnostic;
// everything PortAudio-specific lives here.
package device

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudio wants one Initialize/Terminate pair per process, but the mic and
// the speaker open and close independently, so the library handle is
// refcounted.
var (
	paMu    sync.Mutex
	paCount int
)

func acquirePortAudio() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paCount == 0 {
		if err := portaudio.Initialize(); err != nil {
			return err
		}
	}
	paCount++
	return nil
}

func releasePortAudio() {
	paMu.Lock()
	defer paMu.Unlock()
	if paCount == 0 {
		return
	}
	paCount--
	if paCount == 0 {
		_ = portaudio.Terminate()
	}
}
