package transcode

import (
	"context"
	"fmt"
	"os"
	"time"
)

// waitForFile polls for path to exist (and be non-empty for playlists)
// until timeout elapses or ctx is cancelled.
func waitForFile(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out waiting for %s", path)
			}
		}
	}
}
