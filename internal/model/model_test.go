package model

import (
	"strings"
	"testing"
	"time"
)

func TestSnippet_TruncatesToRunes(t *testing.T) {
	long := strings.Repeat("あ", 250)
	got := Snippet(long)

	if n := len([]rune(got)); n != SnippetLength {
		t.Errorf("snippet length = %d runes, want %d", n, SnippetLength)
	}
}

func TestSnippet_ShortContentUnchanged(t *testing.T) {
	if got := Snippet("hello"); got != "hello" {
		t.Errorf("Snippet(hello) = %q, want %q", got, "hello")
	}
}

func TestMessageType_Valid(t *testing.T) {
	for _, typ := range []MessageType{MessageTypeText, MessageTypeFile, MessageTypeSystem} {
		if !typ.Valid() {
			t.Errorf("%q should be valid", typ)
		}
	}
	if MessageType("video").Valid() {
		t.Error("unknown type should be invalid")
	}
}

func TestMessage_View(t *testing.T) {
	now := time.Now().UTC()
	m := &Message{
		ID:         "msg-1",
		ChannelID:  "ch-1",
		SenderID:   "user-1",
		SenderName: "Alice",
		Content:    "hello",
		Type:       MessageTypeText,
		CreatedAt:  now,
	}

	v := m.View()
	if v.Channel != "ch-1" || v.Sender.ID != "user-1" || v.Sender.Name != "Alice" {
		t.Errorf("unexpected view: %+v", v)
	}
	if !v.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", v.CreatedAt, now)
	}
}

func TestValidateID(t *testing.T) {
	if err := ValidateID("channelId", "6f1c2b1e-8d7a-4c57-9a43-2a0b5b9f3c11"); err != nil {
		t.Errorf("valid uuid rejected: %v", err)
	}
	for _, bad := range []string{"", "abc", "<script>", "6f1c2b1e-8d7a-4c57-9a43"} {
		err := ValidateID("channelId", bad)
		if !IsCode(err, ErrCodeValidation) {
			t.Errorf("ValidateID(%q) = %v, want VALIDATION_ERROR", bad, err)
		}
	}
}
