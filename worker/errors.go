package worker

import (
	"fmt"
	"strings"
)

// ProcessSpawnError indicates the worker executable could not be launched.
// Nothing can be bridged without a worker, so callers treat this as fatal.
type ProcessSpawnError struct {
	Command Command
	Err     error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("starting worker %q: %s", e.Command.String(), e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }

// WriteError indicates a command could not be written to the worker's stdin.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing command to worker: %s", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}
