//go:build !windows

package proc

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestRunEchoExitsCleanly(t *testing.T) {
	h, err := Start(Spec{Command: "/bin/echo hello"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	out, err := io.ReadAll(h)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(out) != "hello\n" {
		t.Fatalf("output = %q, want %q", out, "hello\n")
	}

	st := h.Result()
	if st.State != StateExited || st.Code != 0 {
		t.Fatalf("status = %v/%d, want exited/0", st.State, st.Code)
	}
}

func TestMultiLineOutput(t *testing.T) {
	h, err := Start(Spec{Command: `/bin/sh -c "for i in 1 2 3 4 5; do echo $i; done"`})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	out, err := h.TakeOutput()
	if err != nil {
		t.Fatalf("take output: %v", err)
	}

	var lines []string
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan output: %v", err)
	}

	want := []string{"1", "2", "3", "4", "5"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines %v, want %d", len(lines), lines, len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestEchoRoundTrip(t *testing.T) {
	h, err := Start(Spec{Command: "/bin/cat", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	in, err := h.TakeInput()
	if err != nil {
		t.Fatalf("take input: %v", err)
	}
	out, err := h.TakeOutput()
	if err != nil {
		t.Fatalf("take output: %v", err)
	}

	if _, err := in.Write([]byte("round trip\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	line, err := bufio.NewReader(out).ReadString('\n')
	if err != nil {
		t.Fatalf("read echoed line: %v", err)
	}
	if line != "round trip\n" {
		t.Fatalf("echoed line = %q, want %q", line, "round trip\n")
	}

	if _, err := h.Terminate(500 * time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
}

func TestMergedOutputStreams(t *testing.T) {
	h, err := Start(Spec{Command: `/bin/sh -c "echo one; echo two 1>&2; echo three"`})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	out, err := io.ReadAll(h)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(out) != "one\ntwo\nthree\n" {
		t.Fatalf("merged output = %q, want %q", out, "one\ntwo\nthree\n")
	}
}

func TestWatchdogKillsLongRunner(t *testing.T) {
	start := time.Now()
	h, err := Start(Spec{
		Command: "/bin/sh -c 'sleep 1000'",
		Timeout: 3 * time.Second,
		Grace:   500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	st := h.Result()
	elapsed := time.Since(start)

	if st.State != StateKilled {
		t.Fatalf("status = %v, want killed", st.State)
	}
	if elapsed < 2*time.Second || elapsed > 5*time.Second {
		t.Fatalf("lifetime = %v, want roughly the 3s timeout", elapsed)
	}
}

func TestWatchdogCutsOutputAtTimeout(t *testing.T) {
	h, err := Start(Spec{
		Command: `/bin/sh -c "printf first; sleep 1000; printf second"`,
		Timeout: 1 * time.Second,
		Grace:   300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	out, err := io.ReadAll(h)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(out) != "first" {
		t.Fatalf("output = %q, want %q", out, "first")
	}
	if st := h.Result(); st.State != StateKilled {
		t.Fatalf("status = %v, want killed", st.State)
	}
}

func TestTerminateIsBounded(t *testing.T) {
	h, err := Start(Spec{Command: "/bin/sh -c 'sleep 1000'"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	start := time.Now()
	st, err := h.Terminate(1 * time.Second)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Fatalf("terminate took %v, want under grace plus overhead", elapsed)
	}
	if st.State != StateKilled {
		t.Fatalf("status = %v, want killed", st.State)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	h, err := Start(Spec{Command: "/bin/sh -c 'exit 0'"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	first := h.Result()
	if first.State != StateExited || first.Code != 0 {
		t.Fatalf("status = %v/%d, want exited/0", first.State, first.Code)
	}

	for i := 0; i < 2; i++ {
		st, err := h.Terminate(0)
		if err != nil {
			t.Fatalf("terminate %d: %v", i, err)
		}
		if st != first {
			t.Fatalf("terminate %d returned %+v, want cached %+v", i, st, first)
		}
	}
}

func TestTerminateReachesDescendants(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "inner.sh")
	outer := filepath.Join(dir, "outer.sh")

	// The grandchild ignores the cooperative stop and advertises its pid.
	if err := os.WriteFile(inner, []byte("trap '' TERM\necho $$\nsleep 1000\n"), 0o755); err != nil {
		t.Fatalf("write inner script: %v", err)
	}
	if err := os.WriteFile(outer, []byte("/bin/sh "+inner+" &\nsleep 1000\n"), 0o755); err != nil {
		t.Fatalf("write outer script: %v", err)
	}

	h, err := Start(Spec{Command: "/bin/sh " + outer})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	line, err := bufio.NewReader(h).ReadString('\n')
	if err != nil {
		t.Fatalf("read grandchild pid: %v", err)
	}
	grandchild, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		t.Fatalf("parse grandchild pid from %q: %v", line, err)
	}

	if _, err := h.Terminate(500 * time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := syscall.Kill(grandchild, 0)
		if errors.Is(err, syscall.ESRCH) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("grandchild %d survived terminate (kill 0 err=%v)", grandchild, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTakeEndpointsOnlyOnce(t *testing.T) {
	h, err := Start(Spec{Command: "/bin/sh -c 'sleep 0.2'"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	if _, err := h.TakeOutput(); err != nil {
		t.Fatalf("first take output: %v", err)
	}
	if _, err := h.TakeOutput(); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("second take output err = %v, want ErrAlreadyTaken", err)
	}
	if _, err := h.Read(make([]byte, 1)); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("handle read after take err = %v, want ErrAlreadyTaken", err)
	}

	if _, err := h.TakeInput(); err != nil {
		t.Fatalf("first take input: %v", err)
	}
	if _, err := h.TakeInput(); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("second take input err = %v, want ErrAlreadyTaken", err)
	}
	if _, err := h.Write([]byte("x")); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("handle write after take err = %v, want ErrAlreadyTaken", err)
	}
}

func TestCloseTerminatesRunningChild(t *testing.T) {
	h, err := Start(Spec{Command: "/bin/sh -c 'sleep 1000'", Grace: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := h.Pid()

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("child %d survived close", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if st := h.Result(); st.State != StateKilled {
		t.Fatalf("status = %v, want killed", st.State)
	}
}

func TestWaiterObservesExitCode(t *testing.T) {
	h, err := Start(Spec{Command: "/bin/sh -c 'exit 3'"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	w := h.Waiter()
	w.Wait()
	if st := w.Result(); st.State != StateExited || st.Code != 3 {
		t.Fatalf("status = %v/%d, want exited/3", st.State, st.Code)
	}
}

func TestRepeatedRunsReportExitCodes(t *testing.T) {
	for i := 0; i < 10; i++ {
		h, err := Start(Spec{Command: "/bin/sh -c 'exit 0'"})
		if err != nil {
			t.Fatalf("start true: %v", err)
		}
		if st := h.Result(); st.Code != 0 {
			t.Fatalf("true exit code = %d", st.Code)
		}
		h.Close()

		h, err = Start(Spec{Command: "/bin/sh -c 'exit 1'"})
		if err != nil {
			t.Fatalf("start false: %v", err)
		}
		if st := h.Result(); st.Code == 0 {
			t.Fatalf("false reported exit code 0")
		}
		h.Close()
	}
}

func TestEnvAndWorkdir(t *testing.T) {
	dir := t.TempDir()
	h, err := Start(Spec{
		Command: `/bin/sh -c "echo $LEASH_TEST_VALUE; pwd"`,
		Dir:     dir,
		Env:     map[string]string{"LEASH_TEST_VALUE": "override"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Close()

	out, err := io.ReadAll(h)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("output = %q, want two lines", out)
	}
	if lines[0] != "override" {
		t.Fatalf("env line = %q, want %q", lines[0], "override")
	}
	if filepath.Base(lines[1]) != filepath.Base(dir) {
		t.Fatalf("pwd line = %q, want dir %q", lines[1], dir)
	}
}

func TestStartFailures(t *testing.T) {
	if _, err := Start(Spec{Command: "/bin/does/not/exist"}); err == nil {
		t.Fatal("start nonexistent binary succeeded")
	} else {
		var spawn *SpawnError
		if !errors.As(err, &spawn) {
			t.Fatalf("err = %v, want SpawnError", err)
		}
	}

	if _, err := Start(Spec{Command: "   "}); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("empty command err = %v, want ErrEmptyCommand", err)
	}

	if _, err := Start(Spec{Command: `echo "unterminated`}); err == nil {
		t.Fatal("unterminated quote accepted")
	} else {
		var parse *ParseError
		if !errors.As(err, &parse) {
			t.Fatalf("err = %v, want ParseError", err)
		}
	}
}
