package usecase

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
)

func newGate(profile domain.WatchProfile, store domain.LogStore) *ReadinessGate {
	profile.Name = "test"
	return NewReadinessGate(profile, store, zap.NewNop())
}

// TestWait_MissingFile verifies a vanished file skips silently
func TestWait_MissingFile(t *testing.T) {
	g := newGate(domain.WatchProfile{}, &memLogStore{})

	result := g.Wait(context.Background(), filepath.Join(t.TempDir(), "gone.bin"))
	assert.Equal(t, ReadinessMissing, result)
}

// TestWait_StabilityDisabled verifies zero parameters dispatch immediately
func TestWait_StabilityDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	g := newGate(domain.WatchProfile{}, &memLogStore{})

	start := time.Now()
	result := g.Wait(context.Background(), path)
	assert.Equal(t, ReadinessReady, result)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

// TestWait_StableFile verifies the consecutive-sample requirement
func TestWait_StableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	g := newGate(domain.WatchProfile{
		SizeCheckIntervalMs:     10,
		SizeStabilityCheckCount: 2,
	}, &memLogStore{})

	start := time.Now()
	result := g.Wait(context.Background(), path)
	assert.Equal(t, ReadinessReady, result)
	// Two samples at 10ms cadence.
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

// TestWait_GrowingFile verifies dispatch waits until writes stop
func TestWait_GrowingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.dat")
	f, err := os.Create(path)
	require.NoError(t, err)

	writesDone := make(chan time.Time, 1)
	go func() {
		for i := 0; i < 8; i++ {
			_, _ = f.Write(make([]byte, 1024))
			time.Sleep(20 * time.Millisecond)
		}
		f.Close()
		writesDone <- time.Now()
	}()

	g := newGate(domain.WatchProfile{
		SizeCheckIntervalMs:     10,
		SizeStabilityCheckCount: 4,
	}, &memLogStore{})

	result := g.Wait(context.Background(), path)
	assert.Equal(t, ReadinessReady, result)

	select {
	case doneAt := <-writesDone:
		assert.True(t, time.Now().After(doneAt), "declared stable while still being written")
	default:
		t.Fatal("gate returned before the writer finished")
	}
}

// TestWait_LockedFile verifies an advisory lock defers dispatch
func TestWait_LockedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	holder, err := os.Open(path)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, syscall.Flock(int(holder.Fd()), syscall.LOCK_EX))
	defer syscall.Flock(int(holder.Fd()), syscall.LOCK_UN)

	g := newGate(domain.WatchProfile{}, &memLogStore{})

	result := g.Wait(context.Background(), path)
	assert.Equal(t, ReadinessLocked, result)
}

// TestWait_Canceled verifies a canceled context aborts the stability wait
func TestWait_Canceled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := newGate(domain.WatchProfile{
		SizeCheckIntervalMs:     50,
		SizeStabilityCheckCount: 100,
	}, &memLogStore{})

	result := g.Wait(ctx, path)
	assert.Equal(t, ReadinessUnstable, result)
}

// TestWait_Timeout verifies the hard ceiling logs and returns retryable
func TestWait_Timeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	store := &memLogStore{}
	g := newGate(domain.WatchProfile{
		SizeCheckIntervalMs:     10,
		SizeStabilityCheckCount: 5,
	}, store)

	// First clock read computes the deadline; later reads jump past it so
	// the first sample trips the ceiling.
	orig := timeNow
	base := orig()
	calls := 0
	timeNow = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(domain.StabilityTimeout + time.Minute)
	}
	defer func() { timeNow = orig }()

	result := g.Wait(context.Background(), path)
	assert.Equal(t, ReadinessUnstable, result)
	assert.Equal(t, 1, store.count(domain.LogWatcherError))
}
