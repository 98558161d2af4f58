// Package proc runs a command inside its own isolated session and guarantees
// the whole process tree is gone when the handle is done with it.
//
// On Unix the child is attached to a fresh pseudo-terminal and placed in its
// own session, so its two output channels merge at the terminal, it refrains
// from block-buffering, and a signal to the negated pid reaches every
// descendant. On Windows the child gets merged stdout/stderr pipes, a new
// process group and a job object; the cooperative stop is a console
// ctrl-break to the group and the forceful stop terminates the job, which
// transitively terminates anything the child spawned.
//
// Termination is always signal-then-kill: a cooperative request to the
// session, a bounded grace wait, then an unconditional kill of survivors.
// The watchdog, an explicit Terminate call and handle Close all share that
// one code path, so the protocol never runs twice against the same child.
package proc
