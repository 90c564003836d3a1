//go:build darwin

package focus

import (
	"context"
	"fmt"
)

const frontAppScript = `tell application "System Events" to get name of first application process whose frontmost is true`

func activeWindow(ctx context.Context) (string, error) {
	title, err := runTitle(ctx, "osascript", "-e", frontAppScript)
	if err != nil {
		return "", fmt.Errorf("osascript: %w", err)
	}
	return title, nil
}
