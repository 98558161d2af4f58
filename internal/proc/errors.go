package proc

import (
	"errors"
	"fmt"
)

// ErrEmptyCommand is returned by Start when the command string contains no
// tokens after shell-style splitting.
var ErrEmptyCommand = errors.New("no command specified")

// ErrAlreadyTaken is returned when a stream endpoint is requested a second
// time; ownership of each endpoint can leave the handle at most once.
var ErrAlreadyTaken = errors.New("stream endpoint already taken")

// ParseError reports a command string that could not be tokenized.
type ParseError struct {
	Command string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse command %q: %v", e.Command, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SpawnError reports a failure to launch the child inside its session. No
// partial session survives a SpawnError; everything allocated before the
// failing step has been closed.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminateError reports that the forceful stage of the termination protocol
// failed or that the process group outlived it. The handle still records the
// process as killed so the protocol is not retried.
type TerminateError struct {
	Pid int
	Err error
}

func (e *TerminateError) Error() string {
	return fmt.Sprintf("terminate process group %d: %v", e.Pid, e.Err)
}

func (e *TerminateError) Unwrap() error { return e.Err }
