package chat

import (
	"fmt"
	"sync"
)

// History holds the turns of one conversation. Safe for concurrent use; the
// streaming goroutine appends model text while the UI reads.
type History struct {
	mu    sync.Mutex
	turns []Turn
	title string
}

// NewHistory returns an empty conversation.
func NewHistory() *History {
	return &History{}
}

// Append adds one turn.
func (h *History) Append(role Role, text string) {
	h.mu.Lock()
	h.turns = append(h.turns, Turn{Role: role, Text: text})
	h.mu.Unlock()
}

// AppendDelta extends the trailing model turn with streamed text, creating
// the turn if the conversation does not end with one.
func (h *History) AppendDelta(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.turns); n > 0 && h.turns[n-1].Role == RoleModel {
		h.turns[n-1].Text += text
		return
	}
	h.turns = append(h.turns, Turn{Role: RoleModel, Text: text})
}

// Turns returns a copy of the conversation.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Edit replaces the user turn at index with new text and discards every turn
// after it, returning the truncated conversation ready to resend. Editing a
// model turn is an error.
func (h *History) Edit(index int, text string) ([]Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.turns) {
		return nil, fmt.Errorf("edit turn %d: out of range (have %d)", index, len(h.turns))
	}
	if h.turns[index].Role != RoleUser {
		return nil, fmt.Errorf("edit turn %d: only user turns can be edited", index)
	}
	h.turns = h.turns[:index+1]
	h.turns[index].Text = text

	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out, nil
}

// Truncate keeps the first n turns and drops the rest. A negative or
// oversized n is a no-op.
func (h *History) Truncate(n int) {
	h.mu.Lock()
	if n >= 0 && n < len(h.turns) {
		h.turns = h.turns[:n]
	}
	h.mu.Unlock()
}

// Clear drops all turns and the title.
func (h *History) Clear() {
	h.mu.Lock()
	h.turns = nil
	h.title = ""
	h.mu.Unlock()
}

// SetTitle records the conversation title.
func (h *History) SetTitle(title string) {
	h.mu.Lock()
	h.title = title
	h.mu.Unlock()
}

// Title returns the conversation title, if one has been generated.
func (h *History) Title() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.title
}

// FirstUserText returns the text of the first user turn, used to seed title
// generation.
func (h *History) FirstUserText() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.turns {
		if t.Role == RoleUser {
			return t.Text, true
		}
	}
	return "", false
}
