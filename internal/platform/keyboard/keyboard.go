// Package keyboard synthesizes key events through keybd_event.
package keyboard

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/micmonay/keybd_event"

	"voicetype/internal/ports"
)

// uinput needs time to register the virtual device before the first event.
const linuxSettleDelay = 2 * time.Second

// Keyboard implements ports.Keyboard.
type Keyboard struct {
	logger *slog.Logger

	mu   sync.Mutex
	kb   keybd_event.KeyBonding
	init sync.Once
	err  error
}

func New(logger *slog.Logger) *Keyboard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keyboard{logger: logger.With(slog.String("component", "keyboard"))}
}

func (k *Keyboard) bonding() error {
	k.init.Do(func() {
		kb, err := keybd_event.NewKeyBonding()
		if err != nil {
			k.err = fmt.Errorf("create key bonding: %w", err)
			return
		}
		if runtime.GOOS == "linux" {
			time.Sleep(linuxSettleDelay)
		}
		k.kb = kb
		k.logger.Debug("virtual keyboard ready")
	})
	return k.err
}

// Paste sends Cmd+V on macOS and Ctrl+V elsewhere.
func (k *Keyboard) Paste(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := k.bonding(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.kb.Clear()
	if runtime.GOOS == "darwin" {
		k.kb.HasSuper(true)
	} else {
		k.kb.HasCTRL(true)
	}
	k.kb.SetKeys(keybd_event.VK_V)
	defer k.kb.Clear()
	if err := k.kb.Launching(); err != nil {
		return fmt.Errorf("send paste shortcut: %w", err)
	}
	return nil
}

func (k *Keyboard) TypeRune(ctx context.Context, r rune) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stroke, ok := lookup(r)
	if !ok {
		return fmt.Errorf("%w: %q", ports.ErrUnsupportedRune, r)
	}
	if err := k.bonding(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.kb.Clear()
	k.kb.HasSHIFT(stroke.shift)
	k.kb.SetKeys(stroke.code)
	defer k.kb.Clear()
	if err := k.kb.Launching(); err != nil {
		return fmt.Errorf("type %q: %w", r, err)
	}
	return nil
}

func (k *Keyboard) CanType(r rune) bool {
	_, ok := lookup(r)
	return ok
}
