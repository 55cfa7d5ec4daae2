// Package lockfile guards a TaskPipe state directory so only one relay uses it.
//
// The lock is a flock on a file in the directory, released by the kernel when
// the process exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "taskpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Command string
}

// Acquire takes an exclusive lock on stateDir on behalf of command (for
// example "relay"). It fails with *LockError when another process holds it.
func Acquire(stateDir, command string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadHolder(lockPath)
		slog.Error("lockfile.Acquire: state directory is locked", "lock_path", lockPath, "holder_pid", holder.PID, "holder_command", holder.Command)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	// A failed Acquire must leave the holder's record intact.
	if err := file.Truncate(0); err != nil {
		unlock(file)
		return nil, fmt.Errorf("failed to truncate lock file %s: %w", lockPath, err)
	}
	if _, err := fmt.Fprintf(file, "pid=%d\ncommand=%s\n", os.Getpid(), command); err != nil {
		unlock(file)
		return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "lock_path", lockPath, "error", err)
	}

	slog.Debug("lockfile.Acquire: lock held", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func unlock(file *os.File) {
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	file.Close()
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	unlock(l.file)
	l.file = nil
	slog.Debug("lockfile.Release: lock released", "lock_path", l.path)
	return nil
}

// ReadHolder parses the process record in a lock file.
func ReadHolder(lockPath string) (Holder, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		return Holder{}, err
	}
	defer f.Close()

	var h Holder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "command":
			h.Command = value
		}
	}
	return h, sc.Err()
}

// Running reports whether the holder process still exists.
func (h Holder) Running() bool {
	if h.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(h.PID)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// LockError is returned when another process holds the state directory.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	b.WriteString("another TaskPipe relay is using this state directory (" + e.LockPath + ")")
	if e.Holder.PID > 0 {
		state := "running"
		if !e.Holder.Running() {
			state = "not running, lock may be stale"
		}
		fmt.Fprintf(&b, ": pid %d", e.Holder.PID)
		if e.Holder.Command != "" {
			fmt.Fprintf(&b, " (%s)", e.Holder.Command)
		}
		b.WriteString(", " + state)
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
