// Package inject delivers final transcripts into the focused application
// through a prioritized chain of input methods.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
)

var (
	ErrEmptyText = errors.New("transcript is empty")
	ErrTooLong   = errors.New("transcript exceeds maximum length")

	// ErrStalled reports a method that did not return after its budget ran
	// out. Its output may still reach the target, so nothing else is tried.
	ErrStalled = errors.New("input method still running after timeout")
)

const (
	defaultMethodTimeout  = 5 * time.Second
	defaultPasteDelay     = 100 * time.Millisecond
	defaultInputDelay     = 50 * time.Millisecond
	defaultRestoreDelay   = 300 * time.Millisecond
	defaultRestoreTimeout = 2 * time.Second
	defaultSettleTimeout  = 250 * time.Millisecond
	defaultMaxLength      = 10000
	focusTimeout          = 500 * time.Millisecond
)

// Options tune the fallback chain.
type Options struct {
	PreferredMethod  domain.InjectionMethod
	MethodTimeout    time.Duration
	PasteDelay       time.Duration
	InputDelay       time.Duration
	RestoreClipboard bool
	RestoreDelay     time.Duration
	RestoreTimeout   time.Duration

	// SettleTimeout is how long a timed-out method may take to return
	// after cancellation before it is treated as stalled.
	SettleTimeout time.Duration
	MaxLength     int
	Truncate      bool
}

func (o Options) withDefaults() Options {
	if o.MethodTimeout <= 0 {
		o.MethodTimeout = defaultMethodTimeout
	}
	if o.PasteDelay < 0 {
		o.PasteDelay = defaultPasteDelay
	}
	if o.InputDelay < 0 {
		o.InputDelay = defaultInputDelay
	}
	if o.RestoreDelay < 0 {
		o.RestoreDelay = defaultRestoreDelay
	}
	if o.RestoreTimeout <= 0 {
		o.RestoreTimeout = defaultRestoreTimeout
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = defaultSettleTimeout
	}
	if o.MaxLength <= 0 {
		o.MaxLength = defaultMaxLength
	}
	return o
}

// DefaultOptions returns the delays used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		PreferredMethod:  domain.InjectionClipboardPaste,
		MethodTimeout:    defaultMethodTimeout,
		PasteDelay:       defaultPasteDelay,
		InputDelay:       defaultInputDelay,
		RestoreClipboard: true,
		RestoreDelay:     defaultRestoreDelay,
		RestoreTimeout:   defaultRestoreTimeout,
		SettleTimeout:    defaultSettleTimeout,
		MaxLength:        defaultMaxLength,
	}
}

// ParseMethod validates a configured method name.
func ParseMethod(name string) (domain.InjectionMethod, error) {
	switch m := domain.InjectionMethod(strings.ToLower(strings.TrimSpace(name))); m {
	case domain.InjectionMethodNone:
		return domain.InjectionClipboardPaste, nil
	case domain.InjectionClipboardPaste, domain.InjectionSyntheticKeys, domain.InjectionCharacterTyping:
		return m, nil
	default:
		return "", domain.Errorf(domain.ErrorKindConfig, "input method",
			fmt.Sprintf("unknown input method %q (want clipboard, keyboard or typing)", name))
	}
}

// Injector implements ports.TextInjector.
type Injector struct {
	clipboard ports.Clipboard
	focus     ports.FocusProbe
	opts      Options
	chain     []method
	logger    *slog.Logger

	// one injection at a time; held past Inject while a stalled method runs
	busy chan struct{}
}

// NewInjector builds the chain from the available collaborators. Clipboard
// methods are left out when clipboard is nil; focus may be nil.
func NewInjector(clipboard ports.Clipboard, keyboard ports.Keyboard, focus ports.FocusProbe, opts Options, logger *slog.Logger) (*Injector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	preferred, err := ParseMethod(string(opts.PreferredMethod))
	if err != nil {
		return nil, err
	}
	opts.PreferredMethod = preferred

	var chain []method
	if clipboard != nil && keyboard != nil {
		chain = append(chain, clipboardPaste{clipboard: clipboard, keyboard: keyboard, pasteDelay: opts.PasteDelay})
	}
	if keyboard != nil {
		chain = append(chain,
			syntheticKeys{keyboard: keyboard},
			characterTyping{clipboard: clipboard, keyboard: keyboard, inputDelay: opts.InputDelay, pasteDelay: opts.PasteDelay},
		)
	}
	if len(chain) == 0 {
		return nil, domain.Errorf(domain.ErrorKindConfig, "injector", "no input method available")
	}

	return &Injector{
		clipboard: clipboard,
		focus:     focus,
		opts:      opts,
		chain:     preferFirst(chain, preferred),
		logger:    logger.With(slog.String("component", "injector")),
		busy:      make(chan struct{}, 1),
	}, nil
}

// preferFirst moves the preferred method to the front, keeping the rest in order.
func preferFirst(chain []method, preferred domain.InjectionMethod) []method {
	out := make([]method, 0, len(chain))
	for _, m := range chain {
		if m.Name() == preferred {
			out = append(out, m)
		}
	}
	for _, m := range chain {
		if m.Name() != preferred {
			out = append(out, m)
		}
	}
	return out
}

// Methods returns the chain order.
func (i *Injector) Methods() []domain.InjectionMethod {
	out := make([]domain.InjectionMethod, 0, len(i.chain))
	for _, m := range i.chain {
		out = append(out, m.Name())
	}
	return out
}

// Inject runs the chain until one method succeeds. The clipboard is
// snapshotted first and restored afterwards when configured.
func (i *Injector) Inject(ctx context.Context, text string) (domain.InjectionResult, error) {
	var result domain.InjectionResult
	if strings.TrimSpace(text) == "" {
		return result, domain.NewError(domain.ErrorKindInjection, "inject", ErrEmptyText)
	}
	if n := utf8.RuneCountInString(text); n > i.opts.MaxLength {
		if !i.opts.Truncate {
			return result, domain.NewError(domain.ErrorKindInjection, "inject",
				fmt.Errorf("%w: %d runes, limit %d", ErrTooLong, n, i.opts.MaxLength))
		}
		text = truncateRunes(text, i.opts.MaxLength)
		result.Truncated = true
		i.logger.Warn("transcript truncated", slog.Int("runes", n), slog.Int("limit", i.opts.MaxLength))
	}

	select {
	case i.busy <- struct{}{}:
	case <-ctx.Done():
		return result, domain.NewError(domain.ErrorKindInjection, "inject", ctx.Err())
	}
	var pending <-chan error
	defer func() {
		if pending == nil {
			<-i.busy
		}
	}()

	result.Target = i.activeWindow(ctx)

	// an unreadable clipboard (xclip reports an empty one as an error) is
	// restored as empty so the transcript does not linger
	var snapshot string
	restore := i.opts.RestoreClipboard && i.clipboard != nil
	if restore {
		original, err := i.clipboard.ReadText(ctx)
		if err != nil {
			i.logger.Warn("clipboard snapshot failed; restoring as empty", slog.String("error", err.Error()))
		} else {
			snapshot = original
		}
	}

	var errs []error
	for _, m := range i.chain {
		result.Attempted = append(result.Attempted, m.Name())
		var err error
		pending, err = runWithin(ctx, m.Budget(text, i.opts.MethodTimeout), i.opts.SettleTimeout, func(mctx context.Context) error {
			return m.Inject(mctx, text)
		})
		if err == nil {
			result.Method = m.Name()
			result.Success = true
			break
		}
		i.logger.Warn("input method failed",
			slog.String("method", string(m.Name())),
			slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		if pending != nil || errors.Is(err, ErrPartialInput) || ctx.Err() != nil {
			break
		}
	}

	if pending != nil {
		// the stalled method owns the clipboard until it returns
		go func(done <-chan error) {
			<-done
			if restore {
				i.restore(context.WithoutCancel(ctx), snapshot)
			}
			<-i.busy
		}(pending)
	} else if restore {
		i.restore(ctx, snapshot)
	}

	if !result.Success {
		return result, domain.NewError(domain.ErrorKindInjection, "inject", errors.Join(errs...))
	}
	i.logger.Debug("transcript injected",
		slog.String("method", string(result.Method)),
		slog.String("target", result.Target))
	return result, nil
}

func (i *Injector) activeWindow(ctx context.Context) string {
	if i.focus == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, focusTimeout)
	defer cancel()

	type probe struct {
		title string
		err   error
	}
	done := make(chan probe, 1)
	go func() {
		title, err := i.focus.ActiveWindow(ctx)
		done <- probe{title: title, err: err}
	}()

	select {
	case p := <-done:
		if p.err != nil {
			i.logger.Debug("focus probe failed", slog.String("error", p.err.Error()))
			return ""
		}
		return p.title
	case <-ctx.Done():
		i.logger.Debug("focus probe timed out")
		return ""
	}
}

func (i *Injector) restore(ctx context.Context, original string) {
	// the paste keystroke is consumed asynchronously by the target application
	if err := sleepCtx(ctx, i.opts.RestoreDelay); err != nil {
		ctx = context.WithoutCancel(ctx)
	}
	_, err := runWithin(ctx, i.opts.RestoreTimeout, 0, func(rctx context.Context) error {
		return i.clipboard.WriteText(rctx, original)
	})
	if err != nil {
		i.logger.Warn("clipboard restore failed", slog.String("error", err.Error()))
	}
}

// runWithin runs fn under a timeout. Platform calls may ignore their
// context, so after the timeout fn gets settle to return. If it still has
// not, the returned channel yields its result once it does and the error
// wraps ErrStalled.
func runWithin(ctx context.Context, timeout, settle time.Duration, fn func(context.Context) error) (<-chan error, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return nil, err
	case <-ctx.Done():
	}

	expired := domain.NewError(domain.ErrorKindTimeout, "inject", fmt.Errorf("gave up after %s: %w", timeout, ctx.Err()))
	settled := time.NewTimer(settle)
	defer settled.Stop()
	select {
	case err := <-done:
		return nil, errors.Join(expired, err)
	case <-settled.C:
		return done, errors.Join(expired, ErrStalled)
	}
}

func truncateRunes(text string, limit int) string {
	n := 0
	for idx := range text {
		if n == limit {
			return text[:idx]
		}
		n++
	}
	return text
}
