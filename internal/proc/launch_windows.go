//go:build windows

package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// startSession launches cmd with its stderr merged onto the stdout pipe and
// assigns it to a fresh job object, so the whole tree stays addressable for
// termination. CREATE_NEW_PROCESS_GROUP makes the pid usable as a console
// ctrl-event target for the cooperative stop.
func startSession(cmd *exec.Cmd) (session, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}

	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("create job object: %w", err)
	}

	// Kill-on-close makes the job a backstop: even if the forceful stop is
	// never issued, releasing the job handle takes the tree down with it.
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("configure job object: %w", err)
	}

	if err := cmd.Start(); err != nil {
		windows.CloseHandle(job)
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, err
	}
	// The child owns its copy of the write end now.
	outW.Close()

	proc, err := windows.OpenProcess(
		windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE,
		false,
		uint32(cmd.Process.Pid),
	)
	if err == nil {
		err = windows.AssignProcessToJobObject(job, proc)
		windows.CloseHandle(proc)
	}
	if err != nil {
		// Unassignable child: kill it rather than leak it.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		windows.CloseHandle(job)
		stdin.Close()
		outR.Close()
		return nil, fmt.Errorf("assign process to job object: %w", err)
	}

	return &jobSession{
		stdin: stdin,
		out:   outR,
		job:   job,
		pid:   cmd.Process.Pid,
	}, nil
}

// jobSession addresses the child and its descendants through a job object.
type jobSession struct {
	stdin io.WriteCloser
	out   *os.File
	job   windows.Handle
	pid   int

	closeOnce sync.Once
	closeErr  error
}

func (s *jobSession) output() io.Reader { return s.out }

func (s *jobSession) input() io.Writer { return s.stdin }

func (s *jobSession) stop() error {
	// CTRL_BREAK reaches every console process in the group; processes
	// without a console simply miss the courtesy and meet kill instead.
	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(s.pid)); err != nil {
		return fmt.Errorf("ctrl-break process group %d: %w", s.pid, err)
	}
	return nil
}

func (s *jobSession) kill() error {
	if err := windows.TerminateJobObject(s.job, 1); err != nil {
		return fmt.Errorf("terminate job object: %w", err)
	}
	return nil
}

func (s *jobSession) close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		s.closeErr = s.out.Close()
		windows.CloseHandle(s.job)
	})
	return s.closeErr
}
