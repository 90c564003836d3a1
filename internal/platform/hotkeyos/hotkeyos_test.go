package hotkeyos

import (
	"testing"

	"golang.design/x/hotkey"

	"voicetype/internal/domain"
)

func TestParseDefaultChord(t *testing.T) {
	t.Parallel()

	chord, err := Parse("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chord.Spec != DefaultChord || chord.Key != hotkey.KeySpace {
		t.Fatalf("unexpected chord: %+v", chord)
	}
	if len(chord.Modifiers) != 2 || chord.Modifiers[0] != hotkey.ModCtrl || chord.Modifiers[1] != hotkey.ModShift {
		t.Fatalf("unexpected modifiers: %v", chord.Modifiers)
	}
}

func TestParseNormalizesCaseAndSpaces(t *testing.T) {
	t.Parallel()

	chord, err := Parse(" Alt + F9 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chord.Key != hotkey.KeyF9 || len(chord.Modifiers) != 1 || chord.Modifiers[0] != modifiers["alt"] {
		t.Fatalf("unexpected chord: %+v", chord)
	}
}

func TestParseRejectsInvalidChords(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"ctrl+", "hyper+space", "ctrl+shift+banana", "ctrl++space"} {
		if _, err := Parse(spec); domain.KindOf(err) != domain.ErrorKindConfig {
			t.Fatalf("expected config error for %q, got %v", spec, err)
		}
	}
}
