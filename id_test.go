package atlas

import (
	"testing"
)

func TestMessageIDRoundTrip(t *testing.T) {
	chatID := "chat_with_underscores_42"
	id := MessageID(chatID, 17)
	if id != "chat_with_underscores_42_17" {
		t.Fatalf("MessageID = %q", id)
	}
	pos, err := MessagePosition(id)
	if err != nil || pos != 17 {
		t.Errorf("MessagePosition(%q) = %d, %v; want 17", id, pos, err)
	}
	if got := MessageChatID(id); got != chatID {
		t.Errorf("MessageChatID(%q) = %q, want %q", id, got, chatID)
	}
}

func TestMessagePositionRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "noseparator", "chat_", "chat_zero", "chat_0", "chat_-3"} {
		if _, err := MessagePosition(id); err == nil {
			t.Errorf("MessagePosition(%q) succeeded, want error", id)
		}
	}
}

func TestSortMessagesNumeric(t *testing.T) {
	// Lexicographic order would put c_10 before c_2.
	msgs := []Message{
		{ID: "c_10"},
		{ID: "c_2"},
		{ID: "c_1"},
	}
	SortMessages(msgs)
	want := []string{"c_1", "c_2", "c_10"}
	for i, w := range want {
		if msgs[i].ID != w {
			t.Fatalf("order = %v, want %v", ids(msgs), want)
		}
	}
}

func TestSortMessagesPrefersPositionField(t *testing.T) {
	msgs := []Message{
		{ID: "c_1", Position: 3},
		{ID: "c_2", Position: 1},
		{ID: "c_3", Position: 2},
	}
	SortMessages(msgs)
	if msgs[0].Position != 1 || msgs[2].Position != 3 {
		t.Errorf("order by position = %v", ids(msgs))
	}
}

func TestNewIDSortable(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Fatal("NewID produced a duplicate")
	}
	// UUIDv7 is time-ordered at millisecond granularity; two sequential
	// ids never sort reversed.
	if a > b {
		t.Errorf("ids out of order: %s > %s", a, b)
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
