//go:build !windows

package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// startSession launches cmd attached to the slave side of a fresh pty pair.
// All three stdio streams land on the slave, so the child's two output
// channels are merged at the terminal and the child sees a tty (which keeps
// it from block-buffering). Setsid gives the child its own session, so a
// signal to -pid reaches every descendant.
func startSession(cmd *exec.Cmd) (session, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocate pty: %w", err)
	}

	// Raw mode switches the shared line discipline before the child can
	// produce output: no echo of input bytes, no newline translation.
	// Without this the endpoints would not be byte-transparent.
	if _, err := term.MakeRaw(int(master.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("set pty raw mode: %w", err)
	}

	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	// Setctty picks up fd 0, the slave, as the controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	// The child holds its own copy of the slave now; keeping ours open
	// would stop the master from ever reporting EOF.
	slave.Close()

	return &ptySession{master: master, pid: cmd.Process.Pid}, nil
}

// ptySession addresses the child and its descendants through the process
// group created alongside the pty.
type ptySession struct {
	master *os.File
	pid    int

	closeOnce sync.Once
	closeErr  error
}

func (s *ptySession) output() io.Reader { return ptyReader{f: s.master} }

func (s *ptySession) input() io.Writer { return s.master }

func (s *ptySession) stop() error {
	return s.signal(syscall.SIGTERM)
}

func (s *ptySession) kill() error {
	return s.signal(syscall.SIGKILL)
}

func (s *ptySession) signal(sig syscall.Signal) error {
	// kill(-1) would target every process the user owns; never let a bogus
	// pid widen the blast radius.
	if s.pid <= 1 {
		return nil
	}
	if err := syscall.Kill(-s.pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group %d with %s: %w", s.pid, sig, err)
	}
	return nil
}

func (s *ptySession) close() error {
	s.closeOnce.Do(func() { s.closeErr = s.master.Close() })
	return s.closeErr
}

// ptyReader converts the EIO a pty master reports once the child side has
// gone away into a plain EOF.
type ptyReader struct {
	f *os.File
}

func (r ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}
