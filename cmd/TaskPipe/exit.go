package main

import (
	"errors"

	"github.com/BTreeMap/TaskPipe/internal/config"
	"github.com/BTreeMap/TaskPipe/internal/conversation"
	"github.com/BTreeMap/TaskPipe/internal/lockfile"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitAuthExpired = 3
	ExitUnavailable = 4
	ExitLocked      = 5
)

func exitCode(err error) int {
	var lockErr *lockfile.LockError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, config.ErrInvalidConfig):
		return ExitConfig
	case errors.Is(err, conversation.ErrAuthExpired):
		return ExitAuthExpired
	case errors.As(err, &lockErr):
		return ExitLocked
	case conversation.IsRetryable(err):
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
