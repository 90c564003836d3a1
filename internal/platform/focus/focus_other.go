//go:build !linux && !darwin && !windows

package focus

import "context"

func activeWindow(context.Context) (string, error) {
	return "", ErrUnsupported
}
