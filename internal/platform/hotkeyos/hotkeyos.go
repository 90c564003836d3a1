// Package hotkeyos registers the push-to-talk chord with the OS and forwards
// raw key state into an edge detector.
package hotkeyos

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.design/x/hotkey"

	"voicetype/internal/domain"
)

// DefaultChord is used when no hotkey is configured.
const DefaultChord = "ctrl+shift+space"

// KeySink receives raw key-down and key-up notifications.
type KeySink interface {
	KeyDown()
	KeyUp()
}

// Chord is a parsed hotkey.
type Chord struct {
	Spec      string
	Modifiers []hotkey.Modifier
	Key       hotkey.Key
}

// Parse reads a chord such as "ctrl+shift+space". Modifier names are
// resolved per platform; the last element must be a key.
func Parse(spec string) (Chord, error) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	if spec == "" {
		spec = DefaultChord
	}

	parts := strings.Split(spec, "+")
	chord := Chord{Spec: spec}
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return Chord{}, chordError(spec, "empty element")
		}
		if i == len(parts)-1 {
			key, ok := keys[part]
			if !ok {
				return Chord{}, chordError(spec, fmt.Sprintf("unknown key %q", part))
			}
			chord.Key = key
			continue
		}
		mod, ok := modifiers[part]
		if !ok {
			return Chord{}, chordError(spec, fmt.Sprintf("unknown modifier %q", part))
		}
		chord.Modifiers = append(chord.Modifiers, mod)
	}
	return chord, nil
}

func chordError(spec string, detail string) error {
	return domain.Errorf(domain.ErrorKindConfig, "hotkey", fmt.Sprintf("invalid hotkey %q: %s", spec, detail))
}

// Listen registers chord and forwards its key state to sink until ctx is
// done. On macOS it must run with the main thread loop started by
// mainthread.Init.
func Listen(ctx context.Context, chord Chord, sink KeySink, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	hk := hotkey.New(chord.Modifiers, chord.Key)
	if err := hk.Register(); err != nil {
		return fmt.Errorf("register hotkey %q: %w", chord.Spec, err)
	}
	defer func() {
		if err := hk.Unregister(); err != nil {
			logger.Warn("hotkey unregister failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("hotkey registered", slog.String("hotkey", chord.Spec))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hk.Keydown():
			sink.KeyDown()
		case <-hk.Keyup():
			sink.KeyUp()
		}
	}
}
