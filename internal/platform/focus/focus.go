// Package focus reports the title of the window that holds input focus.
package focus

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

var ErrUnsupported = errors.New("focus probe is not supported on this platform")

// Probe implements ports.FocusProbe.
type Probe struct{}

func New() *Probe { return &Probe{} }

func (p *Probe) ActiveWindow(ctx context.Context) (string, error) {
	return activeWindow(ctx)
}

// runTitle runs an external helper and returns its trimmed output.
func runTitle(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
