package voice

// Event is a notification emitted by the Manager. The concrete types below
// are the only implementations.
type Event interface {
	isEvent()
}

// SessionOpened fires after a voice session is fully established: devices
// acquired, duplex channel open, capture running.
type SessionOpened struct {
	Persona Persona
}

// SessionClosed fires after a session has been fully torn down, whether by a
// local Close, a persona change, or a remote disconnect.
type SessionClosed struct{}

// SessionInterrupted fires on a barge-in: the remote stopped the current
// response and pending playback has been flushed.
type SessionInterrupted struct{}

// InputLevel carries the RMS level of one captured microphone frame, emitted
// whether or not the session is muted. Values are in [0, 1].
type InputLevel struct {
	RMS float64
}

// SessionError fires when a live session dies from a connection or remote
// error. Teardown has already run by the time the event is observed.
type SessionError struct {
	Err error
}

func (SessionOpened) isEvent()      {}
func (SessionClosed) isEvent()      {}
func (SessionInterrupted) isEvent() {}
func (InputLevel) isEvent()         {}
func (SessionError) isEvent()       {}
