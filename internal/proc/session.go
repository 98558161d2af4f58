package proc

import "io"

// session is the OS grouping construct the child and every process it
// spawns belong to. Two implementations exist: a pty-backed session on Unix
// (launch_unix.go) and a pipe-plus-job-object session on Windows
// (launch_windows.go). The rest of the package is platform-agnostic and
// talks only to this interface.
//
// Ownership: startSession hands the handles to exactly one session value;
// the output reader and input writer are then used exclusively by the pump
// goroutines, and close releases everything exactly once.
type session interface {
	// output is the child's merged output handle.
	output() io.Reader
	// input is the child's stdin handle.
	input() io.Writer
	// stop sends the cooperative shutdown request to the whole group.
	stop() error
	// kill forcibly terminates every process in the group.
	kill() error
	// close releases the OS handles backing the session. Idempotent.
	close() error
}
