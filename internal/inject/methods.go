package inject

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
)

var (
	ErrClipboardMismatch = errors.New("clipboard content does not match transcript")

	// ErrPartialInput marks a method that failed after some of the text
	// reached the target. The chain stops there instead of retyping it.
	ErrPartialInput = errors.New("transcript partially delivered")
)

// method is one step of the fallback chain.
type method interface {
	Name() domain.InjectionMethod
	Inject(ctx context.Context, text string) error
	// Budget is the time allowed for text before the method is abandoned.
	Budget(text string, base time.Duration) time.Duration
}

// clipboardPaste writes the transcript to the clipboard, verifies it and
// synthesizes the paste shortcut.
type clipboardPaste struct {
	clipboard  ports.Clipboard
	keyboard   ports.Keyboard
	pasteDelay time.Duration
}

func (m clipboardPaste) Name() domain.InjectionMethod { return domain.InjectionClipboardPaste }

func (m clipboardPaste) Inject(ctx context.Context, text string) error {
	if err := m.clipboard.WriteText(ctx, text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	got, err := m.clipboard.ReadText(ctx)
	if err != nil {
		return fmt.Errorf("verify clipboard: %w", err)
	}
	if got != text {
		return ErrClipboardMismatch
	}
	if err := sleepCtx(ctx, m.pasteDelay); err != nil {
		return err
	}
	if err := m.keyboard.Paste(ctx); err != nil {
		return fmt.Errorf("paste: %w", err)
	}
	return nil
}

func (m clipboardPaste) Budget(_ string, base time.Duration) time.Duration {
	return base + m.pasteDelay
}

// syntheticKeys types the whole transcript as key events. It refuses text
// with any unmappable rune before typing anything.
type syntheticKeys struct {
	keyboard ports.Keyboard
}

func (m syntheticKeys) Name() domain.InjectionMethod { return domain.InjectionSyntheticKeys }

func (m syntheticKeys) Inject(ctx context.Context, text string) error {
	for _, r := range text {
		if !m.keyboard.CanType(r) {
			return fmt.Errorf("%w: %q", ports.ErrUnsupportedRune, r)
		}
	}
	typed := 0
	for _, r := range text {
		if err := m.keyboard.TypeRune(ctx, r); err != nil {
			return partial(typed, fmt.Errorf("type %q: %w", r, err))
		}
		typed++
	}
	return nil
}

func (m syntheticKeys) Budget(_ string, base time.Duration) time.Duration { return base }

// characterTyping types one rune at a time, pasting runes the keyboard
// cannot produce through the clipboard.
type characterTyping struct {
	clipboard  ports.Clipboard
	keyboard   ports.Keyboard
	inputDelay time.Duration
	pasteDelay time.Duration
}

func (m characterTyping) Name() domain.InjectionMethod { return domain.InjectionCharacterTyping }

func (m characterTyping) Inject(ctx context.Context, text string) error {
	typed := 0
	for _, r := range text {
		if typed > 0 {
			if err := sleepCtx(ctx, m.inputDelay); err != nil {
				return partial(typed, err)
			}
		}
		if err := m.injectRune(ctx, r); err != nil {
			return partial(typed, err)
		}
		typed++
	}
	return nil
}

func (m characterTyping) injectRune(ctx context.Context, r rune) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.keyboard.CanType(r) {
		if err := m.keyboard.TypeRune(ctx, r); err != nil {
			return fmt.Errorf("type %q: %w", r, err)
		}
		return nil
	}
	if m.clipboard == nil {
		return fmt.Errorf("%w: %q", ports.ErrUnsupportedRune, r)
	}
	if err := m.clipboard.WriteText(ctx, string(r)); err != nil {
		return fmt.Errorf("paste %q: %w", r, err)
	}
	if err := sleepCtx(ctx, m.pasteDelay); err != nil {
		return err
	}
	if err := m.keyboard.Paste(ctx); err != nil {
		return fmt.Errorf("paste %q: %w", r, err)
	}
	return nil
}

func (m characterTyping) Budget(text string, base time.Duration) time.Duration {
	var n time.Duration
	for range text {
		n++
	}
	return base + n*(m.inputDelay+m.pasteDelay)
}

// partial marks err as ErrPartialInput once any rune has been delivered.
func partial(delivered int, err error) error {
	if delivered == 0 {
		return err
	}
	return fmt.Errorf("%w after %d runes: %w", ErrPartialInput, delivered, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
