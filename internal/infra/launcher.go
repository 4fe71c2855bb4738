package infra

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ted-sharp/aloe-apps-filebridge/internal/domain"
)

// stderrTailLines is how many trailing stderr lines are kept for the
// failure log entry.
const stderrTailLines = 10

// ProcessLauncherImpl implements domain.Launcher. It spawns one child per
// ready file, bounds in-flight children with a weighted semaphore, and
// collects exit outcomes in the wait callback.
type ProcessLauncherImpl struct {
	profileName string
	execPath    string
	argTemplate string
	sem         *semaphore.Weighted // nil when unbounded
	store       domain.LogStore
	pm          domain.ProcessManager
	logger      *zap.Logger

	mu      sync.Mutex
	running map[int]*exec.Cmd
	closed  bool
	wg      sync.WaitGroup
}

// NewProcessLauncher creates a launcher for one watch profile.
func NewProcessLauncher(profile domain.WatchProfile, store domain.LogStore, pm domain.ProcessManager, logger *zap.Logger) *ProcessLauncherImpl {
	var sem *semaphore.Weighted
	if profile.MaxConcurrentProcesses > 0 {
		sem = semaphore.NewWeighted(int64(profile.MaxConcurrentProcesses))
	}
	return &ProcessLauncherImpl{
		profileName: profile.Name,
		execPath:    profile.ExecutablePath,
		argTemplate: profile.Arguments,
		sem:         sem,
		store:       store,
		pm:          pm,
		logger:      logger,
		running:     make(map[int]*exec.Cmd),
	}
}

// Launch starts one child process for the event. It blocks on the
// concurrency permit when saturated; the permit is released exactly once,
// in the child's wait callback.
func (l *ProcessLauncherImpl) Launch(ctx context.Context, event domain.FileEvent) error {
	if l.execPath == "" {
		l.logProcessError("executable path is not configured", "profile: "+l.profileName)
		return fmt.Errorf("profile %q: executable path is empty", l.profileName)
	}
	info, err := os.Stat(l.execPath)
	if err != nil || info.IsDir() {
		l.logProcessError("executable not found: "+l.execPath, "profile: "+l.profileName)
		return fmt.Errorf("profile %q: executable %q does not exist", l.profileName, l.execPath)
	}

	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire launch permit: %w", err)
		}
	}

	if err := l.spawn(event); err != nil {
		l.release()
		l.logProcessError("failed to start process: "+err.Error(), "file: "+event.FilePath)
		return err
	}
	return nil
}

// spawn builds and starts the child; on success the wait callback owns the
// semaphore permit.
func (l *ProcessLauncherImpl) spawn(event domain.FileEvent) error {
	args := ExpandArguments(l.argTemplate, event.FilePath)
	cmd := exec.Command(l.execPath, args...)
	cmd.Dir = l.workingDir()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("launcher for profile %q is shut down", l.profileName)
	}
	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return err
	}
	pid := cmd.Process.Pid
	l.running[pid] = cmd
	l.wg.Add(1)
	l.mu.Unlock()

	l.logger.Info("process launched",
		zap.String("profile", l.profileName),
		zap.Int("pid", pid),
		zap.String("file", event.FilePath),
		zap.Strings("args", args))

	var tailMu sync.Mutex
	var stderrTail []string

	var pipeWg sync.WaitGroup
	pipeWg.Add(2)
	go func() {
		defer pipeWg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			l.logger.Debug("child stdout",
				zap.String("profile", l.profileName),
				zap.Int("pid", pid),
				zap.String("line", scanner.Text()))
		}
	}()
	go func() {
		defer pipeWg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			l.logger.Error("child stderr",
				zap.String("profile", l.profileName),
				zap.Int("pid", pid),
				zap.String("line", line))
			tailMu.Lock()
			stderrTail = append(stderrTail, line)
			if len(stderrTail) > stderrTailLines {
				stderrTail = stderrTail[1:]
			}
			tailMu.Unlock()
		}
	}()

	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("panic in exit callback",
					zap.String("profile", l.profileName),
					zap.Any("panic", r))
			}
		}()
		defer l.release()

		pipeWg.Wait()
		err := cmd.Wait()

		l.mu.Lock()
		delete(l.running, pid)
		l.mu.Unlock()

		exitCode := cmd.ProcessState.ExitCode()
		if err == nil && exitCode == 0 {
			l.appendOutcome(domain.LogEntry{
				LogType: domain.LogProcessLaunch,
				Message: fmt.Sprintf("process completed: %s", filepath.Base(l.execPath)),
				Details: fmt.Sprintf("pid: %d, file: %s", pid, event.FilePath),
			})
			return
		}

		tailMu.Lock()
		tail := strings.Join(stderrTail, "\n")
		tailMu.Unlock()
		details := fmt.Sprintf("pid: %d, exit code: %d, file: %s", pid, exitCode, event.FilePath)
		if tail != "" {
			details += "\nstderr:\n" + tail
		}
		l.appendOutcome(domain.LogEntry{
			LogType: domain.LogProcessError,
			Message: fmt.Sprintf("process failed: %s", filepath.Base(l.execPath)),
			Details: details,
		})
	}()

	return nil
}

// workingDir resolves the child working directory: the executable's
// directory, or the current process directory when indeterminable.
func (l *ProcessLauncherImpl) workingDir() string {
	dir := filepath.Dir(l.execPath)
	if !filepath.IsAbs(dir) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			wd, _ := os.Getwd()
			return wd
		}
		dir = abs
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		wd, _ := os.Getwd()
		return wd
	}
	return dir
}

func (l *ProcessLauncherImpl) release() {
	if l.sem != nil {
		l.sem.Release(1)
	}
}

// Running returns the number of in-flight children.
func (l *ProcessLauncherImpl) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}

// Shutdown terminates every still-running child and waits for their exit
// callbacks to complete.
func (l *ProcessLauncherImpl) Shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.wg.Wait()
		return
	}
	l.closed = true
	pids := make([]int, 0, len(l.running))
	for pid := range l.running {
		pids = append(pids, pid)
	}
	l.mu.Unlock()

	for _, pid := range pids {
		if !l.pm.IsRunning(pid) {
			continue
		}
		if err := l.pm.Terminate(pid); err != nil {
			l.logger.Warn("failed to terminate child",
				zap.String("profile", l.profileName),
				zap.Int("pid", pid),
				zap.Error(err))
		}
	}

	l.wg.Wait()
}

// logProcessError records a configuration/spawn failure in the journal.
func (l *ProcessLauncherImpl) logProcessError(message, details string) {
	l.appendOutcome(domain.LogEntry{
		LogType: domain.LogProcessError,
		Message: message,
		Details: details,
	})
}

func (l *ProcessLauncherImpl) appendOutcome(entry domain.LogEntry) {
	if err := l.store.Append(entry); err != nil {
		l.logger.Warn("failed to append log entry",
			zap.String("profile", l.profileName),
			zap.Error(err))
	}
}

// Ensure ProcessLauncherImpl implements domain.Launcher.
var _ domain.Launcher = (*ProcessLauncherImpl)(nil)
