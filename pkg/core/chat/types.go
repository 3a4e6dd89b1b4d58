// Package chat implements the streaming text client for the hosted
// generative API: request building, SSE decoding, and conversation history.
package chat

// Role identifies the author of a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one message in a conversation.
type Turn struct {
	Role Role
	Text string
}

// Options tune a single request. The zero value asks for defaults.
type Options struct {
	// System is the system instruction for the conversation.
	System string

	// MaxOutputTokens caps the response length. 0 means the API default.
	MaxOutputTokens int

	// Temperature overrides sampling temperature when non-nil.
	Temperature *float64

	// EnableSearch turns on web-search grounding; sources arrive as a
	// SourceSet event on the stream.
	EnableSearch bool

	// ThinkingBudget allots reasoning tokens before the answer. 0 leaves the
	// model's default; -1 disables thinking where supported.
	ThinkingBudget int
}

// FinishReason explains why a response ended.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishLength  FinishReason = "length"
	FinishSafety  FinishReason = "safety"
	FinishUnknown FinishReason = "unknown"
)

// mapFinishReason translates the wire finish reason.
func mapFinishReason(raw string) FinishReason {
	switch raw {
	case "STOP", "":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return FinishSafety
	default:
		return FinishUnknown
	}
}

// Usage is the token accounting reported at the end of a response.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Source is one grounding citation attached to a grounded response.
type Source struct {
	Title  string
	URI    string
	Domain string
}

// Event is one item on a response stream. The concrete types below are the
// only implementations.
type Event interface {
	isChatEvent()
}

// TextDelta carries one increment of response text.
type TextDelta struct {
	Text string
}

// SourceSet carries the grounding citations for the response so far.
type SourceSet struct {
	Sources []Source
}

// Finish is the last event on every stream: the finish reason and usage.
type Finish struct {
	Reason FinishReason
	Usage  Usage
}

func (TextDelta) isChatEvent() {}
func (SourceSet) isChatEvent() {}
func (Finish) isChatEvent()    {}
