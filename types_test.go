package atlas

import "testing"

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to ChatState
		want     bool
	}{
		{StateStatic, StateThinking, true},
		{StateStatic, StateResponding, true},
		{StateThinking, StateResponding, true},
		{StateThinking, StateStatic, true},
		{StateResponding, StateStatic, true},
		{StateStatic, StateStatic, true},
		{StateResponding, StateResponding, true},
		{StateResponding, StateThinking, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidFileTransition(t *testing.T) {
	tests := []struct {
		from, to FileState
		want     bool
	}{
		{FileLocal, FileProcessingMD, true},
		{FileLocal, FileUploading, true},
		{FileProcessingMD, FileUploading, true},
		{FileUploading, FileProcessing, true},
		{FileProcessing, FileReady, true},
		{FileReady, FileUploading, false},
		{FileProcessing, FileLocal, false},
		{FileUploading, FileError, true},
		{FileReady, FileError, true},
	}
	for _, tt := range tests {
		if got := ValidFileTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidFileTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFileUsable(t *testing.T) {
	f := FileReference{APIState: FileReady, Provider: "gemini"}
	if !f.Usable("gemini") {
		t.Error("ready file with matching provider should be usable")
	}
	if f.Usable("openai") {
		t.Error("provider mismatch should not be usable")
	}
	f.APIState = FileProcessing
	if f.Usable("gemini") {
		t.Error("non-ready file should not be usable")
	}
}

func TestUsageTotal(t *testing.T) {
	u := Usage{InputTokens: 120, OutputTokens: 45}
	if got := u.Total(); got != 165 {
		t.Errorf("Total() = %d, want 165", got)
	}
}

func TestEventTerminal(t *testing.T) {
	if !EventComplete.Terminal() || !EventError.Terminal() {
		t.Error("complete and error are terminal")
	}
	if EventAnswer.Terminal() || EventChatState.Terminal() {
		t.Error("content events are not terminal")
	}
}
