// Package core holds the error taxonomy shared by the chat client and the
// voice session pipeline.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that are recovered locally or guarded by
// state checks. They are compared with errors.Is.
var (
	// ErrNotConnected is returned by duplex send operations attempted outside
	// the Open state. Callers drop the frame; the session is unaffected.
	ErrNotConnected = errors.New("voice session is not connected")

	// ErrMissingAPIKey is returned before any device or network resource is
	// acquired when no API credential is configured.
	ErrMissingAPIKey = errors.New("missing API key (set AURALIS_API_KEY)")
)

// DeviceError reports that an audio device could not be acquired or was lost
// mid-session. Fatal to the whole session: a one-sided conversation is not
// useful, so the orchestrator tears everything down.
type DeviceError struct {
	Device string // "input" or "output"
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s device unavailable: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// NewInputDeviceError wraps an input device acquisition or read failure.
func NewInputDeviceError(err error) *DeviceError {
	return &DeviceError{Device: "input", Err: err}
}

// NewOutputDeviceError wraps an output device acquisition or write failure.
func NewOutputDeviceError(err error) *DeviceError {
	return &DeviceError{Device: "output", Err: err}
}

// IsDeviceUnavailable reports whether err is a DeviceError.
func IsDeviceUnavailable(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// MalformedAudioError reports an inbound audio chunk whose byte length is
// inconsistent with its declared channel count. Recovered locally by dropping
// the single chunk; it never tears down a live session.
type MalformedAudioError struct {
	ByteLen  int
	Channels int
}

func (e *MalformedAudioError) Error() string {
	return fmt.Sprintf("malformed audio chunk: %d bytes is not a multiple of %d (16-bit x %d channels)",
		e.ByteLen, 2*e.Channels, e.Channels)
}

// RemoteRejectedError reports that the remote side refused or aborted the
// duplex connection, either during Connecting or while Open. Fatal to the
// session; surfaced to the UI as "disconnected".
type RemoteRejectedError struct {
	Code    int
	Message string
	Err     error
}

func (e *RemoteRejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote rejected voice session: %s (code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("remote rejected voice session: %v", e.Err)
}

func (e *RemoteRejectedError) Unwrap() error { return e.Err }
