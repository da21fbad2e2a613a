package fs

import (
	"context"
	"fmt"
	"os"
	"time"
)

// staleLockAge is how long a lock file may exist before another handle
// assumes its owner died and takes it over. Writes hold the lock for a
// single file write plus an index save.
const staleLockAge = 30 * time.Second

// lockFile acquires an exclusive lock shared by every handle, in any
// process, that opens the same store directory. It polls until the lock is
// free or ctx is done.
func lockFile(ctx context.Context, path string) (func(), error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire store lock: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire store lock: %w", ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
