// Package duplex manages the lifecycle of the bidirectional websocket
// connection to the voice API: connect, stream encoded input frames out,
// dispatch inbound events (audio chunks, interruption, close, error), and
// tear down.
package duplex

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auralis-ai/auralis/pkg/core"
	"github.com/auralis-ai/auralis/pkg/core/audio"
)

// State is the connection state of a Session.
//
//	Idle --Connect--> Connecting --(remote accept)--> Open --Close/error--> Closed
//	Connecting --(remote reject/error)--> Closed
//	Open --(remote close)--> Closed
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultDialTimeout = 15 * time.Second

	// outboundDepth bounds the send queue. The capture callback must never
	// block on a slow network write, so a frame arriving while the queue is
	// full evicts the oldest queued frame instead of waiting.
	outboundDepth = 2
)

// Config parameterizes a connection. Voice and Instruction are bound at
// connect time and cannot change on a live session.
type Config struct {
	// Endpoint is the websocket URL of the voice API.
	Endpoint string

	// APIKey authenticates the connection.
	APIKey string

	// Model is the remote model identifier.
	Model string

	// Voice is the synthesis voice identifier bound to this session.
	Voice string

	// Instruction is the system instruction bound to this session.
	Instruction string

	// DialTimeout bounds connect + setup handshake. Default 15s.
	DialTimeout time.Duration
}

// Handlers receive inbound session events. All handlers are invoked from the
// single read loop, so for any one session they never run concurrently and
// inbound ordering is preserved: an interruption is always delivered before
// any chunk that arrived after it.
type Handlers struct {
	// OnOpen fires once when the remote accepts the setup.
	OnOpen func()

	// OnAudioChunk receives each synthesized audio chunk, still encoded.
	OnAudioChunk func(audio.Packet)

	// OnInterrupt fires on a barge-in signal.
	OnInterrupt func()

	// OnClose fires on a normal remote close or go-away.
	OnClose func()

	// OnError fires on connection failure while Open. The session is already
	// Closed when it fires; the orchestrator owns any further teardown.
	OnError func(error)
}

// Session is one open duplex connection. A Session transitions through the
// state machine exactly once; reconnecting means constructing a new Session.
type Session struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	state atomic.Int32

	conn    *websocket.Conn
	writeMu sync.Mutex

	outbound  chan audio.Packet
	done      chan struct{}
	closeOnce sync.Once
}

// Connect establishes the duplex channel: dial, send the setup frame binding
// voice and instruction, and wait for the remote acknowledgement. On success
// the session is Open, OnOpen has fired, and the read and write loops are
// running. On failure the session is Closed and a *core.RemoteRejectedError
// (or context/dial error) is returned.
func Connect(ctx context.Context, cfg Config, h Handlers, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	s := &Session{
		cfg:      cfg,
		handlers: h,
		logger:   logger,
		outbound: make(chan audio.Packet, outboundDepth),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	endpoint, err := authenticatedURL(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		s.state.Store(int32(StateClosed))
		close(s.done)
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		s.state.Store(int32(StateClosed))
		close(s.done)
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &core.RemoteRejectedError{Code: resp.StatusCode, Message: resp.Status, Err: err}
		}
		return nil, &core.RemoteRejectedError{Err: err}
	}
	s.conn = conn

	if err := s.handshake(cfg); err != nil {
		s.state.Store(int32(StateClosed))
		_ = conn.Close()
		close(s.done)
		return nil, err
	}

	s.state.Store(int32(StateOpen))
	if h.OnOpen != nil {
		h.OnOpen()
	}

	go s.readLoop()
	go s.writeLoop()

	logger.Debug("duplex session open", "voice", cfg.Voice, "model", cfg.Model)
	return s, nil
}

// handshake sends the setup frame and waits for setupComplete.
func (s *Session) handshake(cfg Config) error {
	setup := clientSetup{
		Setup: setupPayload{
			Model: cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoice{VoiceName: cfg.Voice},
					},
				},
			},
		},
	}
	if cfg.Instruction != "" {
		setup.Setup.SystemInstruction = &systemInstruction{
			Parts: []textPart{{Text: cfg.Instruction}},
		}
	}

	if err := s.conn.WriteJSON(setup); err != nil {
		return &core.RemoteRejectedError{Err: fmt.Errorf("send setup: %w", err)}
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.DialTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	var frame serverFrame
	if err := s.conn.ReadJSON(&frame); err != nil {
		return &core.RemoteRejectedError{Err: fmt.Errorf("await setup ack: %w", err)}
	}
	if frame.Error != nil {
		return &core.RemoteRejectedError{Code: frame.Error.Code, Message: frame.Error.Message}
	}
	if frame.SetupComplete == nil {
		return &core.RemoteRejectedError{Message: "setup not acknowledged"}
	}
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Send queues one encoded input frame for transmission. Valid only while
// Open; otherwise returns core.ErrNotConnected and the frame is dropped.
// Never blocks: if the outbound queue is full the oldest queued frame is
// evicted, so a stalled write costs stale audio rather than capture stalls.
func (s *Session) Send(pkt audio.Packet) error {
	if s.State() != StateOpen {
		return core.ErrNotConnected
	}
	for {
		select {
		case s.outbound <- pkt:
			return nil
		default:
		}
		select {
		case <-s.outbound:
			s.logger.Debug("outbound queue full, dropping oldest frame")
		default:
		}
	}
}

// writeLoop serializes outbound frames onto the websocket in queue order.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case pkt := <-s.outbound:
			msg := clientRealtimeInput{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{{MIMEType: pkt.MIMEType, Data: pkt.Base64()}},
				},
			}
			s.writeMu.Lock()
			err := s.conn.WriteJSON(msg)
			s.writeMu.Unlock()
			if err != nil {
				if s.State() == StateOpen {
					s.logger.Debug("outbound write failed", "error", err)
				}
				return
			}
		}
	}
}

// readLoop dispatches every inbound frame until the connection ends.
func (s *Session) readLoop() {
	for {
		var frame serverFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			s.finish(err)
			return
		}

		switch {
		case frame.ServerContent != nil:
			s.dispatchContent(frame.ServerContent)
		case frame.GoAway != nil:
			s.finish(nil)
			return
		case frame.Error != nil:
			s.finish(&core.RemoteRejectedError{Code: frame.Error.Code, Message: frame.Error.Message})
			return
		}
	}
}

// dispatchContent forwards one serverContent frame. The interruption signal
// is always delivered before any audio carried in the same or a later frame,
// which is what lets the scheduler flush before new audio is scheduled.
func (s *Session) dispatchContent(content *serverContent) {
	if content.Interrupted && s.handlers.OnInterrupt != nil {
		s.handlers.OnInterrupt()
	}
	if content.ModelTurn == nil || s.handlers.OnAudioChunk == nil {
		return
	}
	for _, part := range content.ModelTurn.Parts {
		if part.InlineData == nil {
			continue
		}
		pkt, err := audio.DecodePacket(part.InlineData.Data, part.InlineData.MIMEType)
		if err != nil {
			s.logger.Warn("dropping undecodable audio chunk", "error", err)
			continue
		}
		s.handlers.OnAudioChunk(pkt)
	}
}

// finish transitions to Closed once and notifies the appropriate handler.
// A nil err or a normal websocket close counts as a remote close; anything
// else while Open is surfaced through OnError. Errors after a local Close
// are expected teardown noise and notify no one.
func (s *Session) finish(err error) {
	prev := State(s.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}

	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.done)
	})

	normal := err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if normal {
		if s.handlers.OnClose != nil {
			s.handlers.OnClose()
		}
		return
	}
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

// Close transitions to Closed from any state and releases the connection.
// Idempotent; safe to call from within any handler.
func (s *Session) Close() error {
	prev := State(s.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}

	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
		close(s.done)
	})
	return nil
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func authenticatedURL(endpoint, apiKey string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse voice endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
