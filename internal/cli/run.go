package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/leashdev/leash/internal/config"
	"github.com/leashdev/leash/internal/proc"
)

// killedExitCode is reported when the child was ended by the termination
// protocol rather than exiting on its own, mirroring the convention used by
// timeout(1).
const killedExitCode = 125

func newRunCmd() *cobra.Command {
	var (
		timeout     time.Duration
		grace       time.Duration
		workdir     string
		envFlags    []string
		configPath  string
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command in its own session and clean up its whole tree",
		Long: `Run starts the command inside a fresh session (a pseudo-terminal on Unix,
a process group plus job object on Windows), streams its merged output to
stdout, and guarantees the command and everything it spawned is terminated
when the run ends, times out, or is interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := buildSpec(cmd, args, configPath, workdir, timeout, grace, envFlags)
			if err != nil {
				return err
			}
			return runChild(cmd.Context(), spec, interactive)
		},
	}

	flags := cmd.Flags()
	flags.DurationVarP(&timeout, "timeout", "t", 0, "Terminate the command after this duration (0 disables)")
	flags.DurationVar(&grace, "grace", 0, "Wait this long between the cooperative stop and the forceful kill")
	flags.StringVarP(&workdir, "workdir", "w", "", "Working directory for the command")
	flags.StringArrayVarP(&envFlags, "env", "e", nil, "Environment override as KEY=VALUE (repeatable)")
	flags.StringVarP(&configPath, "config", "c", "", "Path to a leash defaults file")
	flags.BoolVarP(&interactive, "interactive", "i", false, "Forward stdin to the command")

	return cmd
}

// buildSpec merges the defaults file (when given) with the command line;
// flags that were explicitly set win over the file.
func buildSpec(cmd *cobra.Command, args []string, configPath, workdir string, timeout, grace time.Duration, envFlags []string) (proc.Spec, error) {
	spec := proc.Spec{Logger: slog.Default()}

	if configPath != "" {
		doc, err := config.Load(configPath)
		if err != nil {
			return proc.Spec{}, err
		}
		spec.Timeout = doc.Timeout.Duration
		spec.Grace = doc.Grace.Duration
		spec.Dir = doc.Workdir
		if len(doc.Env) > 0 {
			spec.Env = make(map[string]string, len(doc.Env))
			for k, v := range doc.Env {
				spec.Env[k] = v
			}
		}
	}

	flags := cmd.Flags()
	if flags.Changed("timeout") {
		spec.Timeout = timeout
	}
	if flags.Changed("grace") {
		spec.Grace = grace
	}
	if flags.Changed("workdir") {
		spec.Dir = workdir
	}
	for _, kv := range envFlags {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return proc.Spec{}, fmt.Errorf("invalid --env value %q, want KEY=VALUE", kv)
		}
		if spec.Env == nil {
			spec.Env = make(map[string]string)
		}
		spec.Env[key] = value
	}

	spec.Command = joinCommand(args)
	return spec, nil
}

func runChild(ctx context.Context, spec proc.Spec, interactive bool) error {
	h, err := proc.Start(spec)
	if err != nil {
		return err
	}
	defer h.Close()

	out, err := h.TakeOutput()
	if err != nil {
		return err
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			if _, err := h.Terminate(0); err != nil {
				slog.Warn("terminate on signal", "error", err)
			}
		case <-finished:
		}
	}()

	if interactive {
		restore, err := attachStdin(h)
		if err != nil {
			return err
		}
		defer restore()
	}

	if _, err := io.Copy(os.Stdout, out); err != nil {
		slog.Debug("copy child output", "error", err)
	}

	st := h.Result()
	switch {
	case st.State == proc.StateKilled:
		return &exitCodeError{code: killedExitCode}
	case st.Code != 0:
		code := st.Code
		if code < 0 {
			code = 1
		}
		return &exitCodeError{code: code}
	}
	return nil
}

// attachStdin takes the input endpoint and forwards the caller's stdin to
// it. A terminal stdin is switched to raw mode so keystrokes reach the
// child unmangled; the returned func restores the terminal.
func attachStdin(h *proc.Handle) (func(), error) {
	in, err := h.TakeInput()
	if err != nil {
		return nil, err
	}

	restore := func() {}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, fmt.Errorf("set terminal raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(fd, state) }
	}

	go func() {
		_, _ = io.Copy(in, os.Stdin)
		in.Close()
	}()

	return restore, nil
}

// joinCommand rebuilds a single command string from argv words, quoting
// anything the tokenizer would otherwise split or interpret.
func joinCommand(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = quoteWord(arg)
	}
	return strings.Join(quoted, " ")
}

func quoteWord(word string) string {
	if word != "" && !strings.ContainsAny(word, " \t\n\"'\\") {
		return word
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range word {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
