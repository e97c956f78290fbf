//go:build !unix

package teardown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Without POSIX signals the process is killed outright.
func terminateProcess(_ context.Context, pid int, _ time.Duration) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill: %w", err)
	}
	return nil
}
