package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
)

const lockPollInterval = 50 * time.Millisecond

// storeLock is the exclusive advisory lock on store.lock. It serializes
// every operation across processes.
type storeLock struct {
	f *os.File
}

// acquireLock waits up to timeout for the lock. ctx is only consulted while
// waiting.
func acquireLock(ctx context.Context, path string, timeout time.Duration) (*storeLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, serrors.IO("lock store", "", fmt.Errorf("create store directory: %w", err))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, serrors.IO("lock store", "", fmt.Errorf("open lock file: %w", err))
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, serrors.IO("lock store", "", err)
		}
		if ok {
			return &storeLock{f: f}, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			f.Close()
			return nil, serrors.Newf(serrors.KindStoreBusy, "lock store", "",
				"another cursor-switcher process holds %s (waited %s)", path, timeout)
		}
		if wait > lockPollInterval {
			wait = lockPollInterval
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *storeLock) release() {
	unlock(l.f)
	l.f.Close()
}
