package chat

import "testing"

func TestHistoryAppendAndDelta(t *testing.T) {
	h := NewHistory()
	h.Append(RoleUser, "hi")
	h.AppendDelta("hel")
	h.AppendDelta("lo")

	turns := h.Turns()
	if len(turns) != 2 {
		t.Fatalf("len = %d, want 2", len(turns))
	}
	if turns[1].Role != RoleModel || turns[1].Text != "hello" {
		t.Errorf("model turn = %+v", turns[1])
	}

	// A delta after a user turn opens a fresh model turn.
	h.Append(RoleUser, "again")
	h.AppendDelta("ok")
	if turns := h.Turns(); len(turns) != 4 || turns[3].Text != "ok" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestHistoryEditTruncates(t *testing.T) {
	h := NewHistory()
	h.Append(RoleUser, "first")
	h.Append(RoleModel, "reply one")
	h.Append(RoleUser, "second")
	h.Append(RoleModel, "reply two")

	resend, err := h.Edit(2, "second, revised")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if len(resend) != 3 {
		t.Fatalf("resend len = %d, want 3", len(resend))
	}
	if resend[2].Text != "second, revised" {
		t.Errorf("edited text = %q", resend[2].Text)
	}
	if h.Len() != 3 {
		t.Errorf("history len = %d after edit, want 3", h.Len())
	}
}

func TestHistoryEditRejectsModelTurn(t *testing.T) {
	h := NewHistory()
	h.Append(RoleUser, "q")
	h.Append(RoleModel, "a")

	if _, err := h.Edit(1, "rewrite"); err == nil {
		t.Error("editing a model turn succeeded")
	}
	if _, err := h.Edit(5, "x"); err == nil {
		t.Error("editing out of range succeeded")
	}
	if h.Len() != 2 {
		t.Errorf("failed edit mutated history: len = %d", h.Len())
	}
}

func TestHistoryTruncate(t *testing.T) {
	h := NewHistory()
	h.Append(RoleUser, "a")
	h.Append(RoleModel, "b")
	h.Append(RoleUser, "c")

	h.Truncate(2)
	if turns := h.Turns(); len(turns) != 2 || turns[1].Text != "b" {
		t.Errorf("turns = %+v", turns)
	}

	h.Truncate(10)
	h.Truncate(-1)
	if h.Len() != 2 {
		t.Errorf("out of range truncate mutated history: len = %d", h.Len())
	}
}

func TestHistoryTitleAndFirstUser(t *testing.T) {
	h := NewHistory()
	if _, ok := h.FirstUserText(); ok {
		t.Error("empty history reported a first user turn")
	}
	h.Append(RoleUser, "seed")
	if text, ok := h.FirstUserText(); !ok || text != "seed" {
		t.Errorf("first user text = %q, %v", text, ok)
	}

	h.SetTitle("Seed Chat")
	if h.Title() != "Seed Chat" {
		t.Errorf("title = %q", h.Title())
	}
	h.Clear()
	if h.Len() != 0 || h.Title() != "" {
		t.Error("clear did not reset history")
	}
}
