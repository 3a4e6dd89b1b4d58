// Package audio implements the pure PCM transforms used by the voice
// pipeline: float32 samples to 16-bit little-endian PCM, the text-safe wire
// encoding, and the format math shared by capture and playback.
package audio

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/auralis-ai/auralis/pkg/core"
)

// Format specifies PCM audio parameters.
type Format struct {
	// SampleRate in Hz. Capture uses 16000, playback 24000.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// BytesPerSecond returns the s16le byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback duration of sampleCount samples per channel.
func (f Format) Duration(sampleCount int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(sampleCount) / float64(f.SampleRate) * float64(time.Second))
}

// MIME returns the wire descriptor for this format, e.g. "audio/pcm;rate=16000".
func (f Format) MIME() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Packet is the wire representation of a block of audio: 16-bit signed
// little-endian PCM bytes tagged with a MIME descriptor carrying the sample
// rate. Outbound packets carry the base64 text encoding; inbound packets hold
// the decoded bytes. Stateless value type.
type Packet struct {
	// Data is the raw s16le byte stream.
	Data []byte

	// MIMEType is "audio/pcm;rate=<hz>".
	MIMEType string
}

// Base64 returns the text-safe encoding of the packet payload.
func (p Packet) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// SampleRate parses the rate out of the MIME descriptor. Returns 0 when the
// descriptor carries none.
func (p Packet) SampleRate() int {
	for _, part := range strings.Split(p.MIMEType, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "rate="); ok {
			rate, err := strconv.Atoi(v)
			if err != nil {
				return 0
			}
			return rate
		}
	}
	return 0
}

// EncodeFrame converts float32 samples in [-1.0, 1.0] to a wire packet.
// Each sample maps through round(s * 32768); out-of-range input wraps on the
// int16 conversion rather than clamping, matching the behavior the remote
// service has always been fed.
func EncodeFrame(samples []float32, sampleRate int) Packet {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(math.Round(float64(s) * 32768))
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return Packet{
		Data:     data,
		MIMEType: Format{SampleRate: sampleRate, Channels: 1}.MIME(),
	}
}

// DecodePacket parses a base64 payload received from the wire.
func DecodePacket(b64 string, mimeType string) (Packet, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Packet{}, fmt.Errorf("decode audio payload: %w", err)
	}
	return Packet{Data: data, MIMEType: mimeType}, nil
}

// DecodeChunk converts s16le bytes back to float32 samples, one slice per
// channel. Interleaved layout: sample i of channel c sits at i*channels + c.
// Returns *core.MalformedAudioError when the byte length is not a multiple of
// 2*channels.
func DecodeChunk(data []byte, channels int) ([][]float32, error) {
	if channels <= 0 {
		channels = 1
	}
	stride := 2 * channels
	if len(data)%stride != 0 {
		return nil, &core.MalformedAudioError{ByteLen: len(data), Channels: channels}
	}

	frames := len(data) / stride
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			v := int16(data[off]) | int16(data[off+1])<<8
			out[c][i] = float32(v) / 32768.0
		}
	}
	return out, nil
}

// RMSLevel computes the root-mean-square level of float32 samples.
// Returns a value between 0.0 and 1.0. Used by the capture level meter.
func RMSLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// PeakLevel returns the maximum absolute amplitude in the samples.
func PeakLevel(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		abs := math.Abs(float64(s))
		if abs > peak {
			peak = abs
		}
	}
	return peak
}
