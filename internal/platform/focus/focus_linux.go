//go:build linux

package focus

import (
	"context"
	"fmt"
)

func activeWindow(ctx context.Context) (string, error) {
	title, err := runTitle(ctx, "xdotool", "getactivewindow", "getwindowname")
	if err != nil {
		return "", fmt.Errorf("xdotool: %w", err)
	}
	return title, nil
}
