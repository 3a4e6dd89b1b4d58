package duplex

// Wire frames for the bidirectional voice endpoint. The channel carries JSON
// text messages in both directions: the client opens with a setup frame that
// binds the voice identifier and system instruction, then streams encoded
// audio frames; the server streams back synthesized audio chunks and control
// signals (interruption, turn completion, go-away).

// clientSetup is the first frame on a new connection.
type clientSetup struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

// clientRealtimeInput carries one encoded microphone frame.
type clientRealtimeInput struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64 s16le
}

// serverFrame is the envelope for every inbound message. Exactly one of the
// fields is set per frame.
type serverFrame struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
	Error         *serverError   `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn *modelTurn `json:"modelTurn,omitempty"`

	// Interrupted signals barge-in: the user started speaking while
	// assistant audio was still playing. Local playback must be flushed
	// before any chunk arriving after this flag is scheduled.
	Interrupted  bool `json:"interrupted,omitempty"`
	TurnComplete bool `json:"turnComplete,omitempty"`
}

type modelTurn struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	InlineData *mediaChunk `json:"inlineData,omitempty"`
}

type goAway struct {
	Reason string `json:"reason,omitempty"`
}

type serverError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
