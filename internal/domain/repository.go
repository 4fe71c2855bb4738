package domain

import "context"

// LogStore is the append-only rotating journal shared by all profiles.
// Implementation: date-partitioned JSON array files under one mutex.
type LogStore interface {
	// Append writes one entry, assigning ID/Timestamp when empty.
	// Write failures surface to the caller.
	Append(entry LogEntry) error

	// Query returns entries matching the filter, newest first, with the
	// total match count. Read failures yield an empty page, not an error.
	Query(filter LogFilter) (LogPage, error)

	// SetPostAppendHook installs an asynchronous callback invoked once per
	// appended entry. Hook failures never fail the append.
	SetPostAppendHook(hook func(LogEntry))

	// Close stops background retention.
	Close() error
}

// Launcher spawns the downstream executable for ready files.
type Launcher interface {
	// Launch starts one child process for the event, waiting on the
	// concurrency permit if saturated. Configuration problems are logged
	// as ProcessError and reported back.
	Launch(ctx context.Context, event FileEvent) error

	// Running returns the number of in-flight children.
	Running() int

	// Shutdown terminates every still-running child and waits for exit
	// callbacks to finish. Never panics.
	Shutdown()
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// Terminate kills a process by PID (SIGKILL).
	Terminate(pid int) error
}
