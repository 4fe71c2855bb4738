package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
)

// timeNow is stubbed in tests.
var timeNow = time.Now

// ReadinessResult is the outcome of the per-file readiness check.
type ReadinessResult int

const (
	// ReadinessReady means the file may be dispatched.
	ReadinessReady ReadinessResult = iota
	// ReadinessMissing means the file disappeared; skip silently.
	ReadinessMissing
	// ReadinessLocked means another process holds the file; retry later.
	ReadinessLocked
	// ReadinessUnstable means the size never settled within the cap.
	ReadinessUnstable
)

// ReadinessGate performs the existence, lock, and size-stability checks
// that precede dispatch. Every non-Ready result is retryable: the caller
// must not record a cooldown for it.
type ReadinessGate struct {
	profileName       string
	sizeCheckInterval time.Duration
	stabilityCount    int
	store             domain.LogStore
	logger            *zap.Logger
}

// NewReadinessGate creates the gate for one profile.
func NewReadinessGate(profile domain.WatchProfile, store domain.LogStore, logger *zap.Logger) *ReadinessGate {
	return &ReadinessGate{
		profileName:       profile.Name,
		sizeCheckInterval: time.Duration(profile.SizeCheckIntervalMs) * time.Millisecond,
		stabilityCount:    profile.SizeStabilityCheckCount,
		store:             store,
		logger:            logger,
	}
}

// Wait blocks until the file is ready or determined retryable.
func (g *ReadinessGate) Wait(ctx context.Context, path string) ReadinessResult {
	info, err := os.Stat(path)
	if err != nil {
		return ReadinessMissing
	}

	locked, missing := probeLock(path)
	if missing {
		return ReadinessMissing
	}
	if locked {
		g.logger.Debug("file is locked",
			zap.String("profile", g.profileName),
			zap.String("path", path))
		return ReadinessLocked
	}

	if g.sizeCheckInterval > 0 && g.stabilityCount > 0 {
		return g.waitForStableSize(ctx, path, info.Size())
	}
	return ReadinessReady
}

// waitForStableSize samples the file size every interval until it has
// been equal for stabilityCount consecutive samples, or the hard ceiling
// elapses.
func (g *ReadinessGate) waitForStableSize(ctx context.Context, path string, initialSize int64) ReadinessResult {
	deadline := timeNow().Add(domain.StabilityTimeout)
	ticker := time.NewTicker(g.sizeCheckInterval)
	defer ticker.Stop()

	prev := initialSize
	consecutive := 0

	for {
		select {
		case <-ctx.Done():
			return ReadinessUnstable
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			return ReadinessMissing
		}

		if info.Size() == prev {
			consecutive++
			if consecutive >= g.stabilityCount {
				return ReadinessReady
			}
		} else {
			prev = info.Size()
			consecutive = 0
		}

		if timeNow().After(deadline) {
			g.logger.Warn("size stability check timed out",
				zap.String("profile", g.profileName),
				zap.String("path", path))
			g.appendEntry(domain.LogEntry{
				LogType: domain.LogWatcherError,
				Message: fmt.Sprintf("size stability check timed out after %s", domain.StabilityTimeout),
				Details: "profile: " + g.profileName + ", file: " + path,
			})
			return ReadinessUnstable
		}
	}
}

func (g *ReadinessGate) appendEntry(entry domain.LogEntry) {
	if err := g.store.Append(entry); err != nil {
		g.logger.Warn("failed to append log entry",
			zap.String("profile", g.profileName),
			zap.Error(err))
	}
}

// probeLock attempts a non-blocking exclusive advisory lock on the file.
// EWOULDBLOCK means another process holds the file. Open failures other
// than not-exist are treated as not locked and readiness continues.
func probeLock(path string) (locked bool, missing bool) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, true
		}
		return false, false
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return true, false
		}
		return false, false
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return false, false
}
