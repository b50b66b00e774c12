// Package procrunner spawns external binaries and streams their merged
// line-oriented output. Children run in their own process group so a single
// signal reaps descendants (ab-av1 spawns ffmpeg workers of its own).
package procrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// EventKind distinguishes runner events.
type EventKind int

const (
	// KindLine is a complete output line, newline stripped.
	KindLine EventKind = iota
	// KindPartial is a trailing non-newline chunk seen at stream end. The
	// caller buffers it until the next line or exit.
	KindPartial
	// KindExit is the terminal event carrying the exit status.
	KindExit
)

// Event is one observation from a running child process.
type Event struct {
	Kind EventKind
	// Text is the line or partial chunk for KindLine/KindPartial.
	Text string
	// ExitCode is set for KindExit; -1 when the process died abnormally.
	ExitCode int
	// Err describes abnormal termination (signal, wait failure) for KindExit.
	Err error
}

// killGracePeriod is how long Kill waits between SIGTERM and SIGKILL.
const killGracePeriod = 5 * time.Second

// Runner owns one child process and its output stream. Events are delivered
// in arrival order on Events(); the channel closes after KindExit.
type Runner struct {
	cmd     *exec.Cmd
	cmdLine string
	events  chan Event
	done    chan struct{}
	logger  *slog.Logger

	killOnce sync.Once
}

// Start spawns the binary with the given arguments. Stderr is merged into
// stdout. A nil error means the process is running and Events() will
// eventually deliver KindExit.
func Start(ctx context.Context, logger *slog.Logger, binary string, args ...string) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// CommandContext's default kill only hits the direct child; the process
	// group signal below covers descendants.
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGKILL)
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	r := &Runner{
		cmd:     cmd,
		cmdLine: binary + " " + strings.Join(args, " "),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		logger: logger.With(
			"component", "procrunner",
			"binary", binary,
			"pid", cmd.Process.Pid,
		),
	}

	r.logger.Debug("process started")
	go r.pump(pr)
	return r, nil
}

// Events returns the stream of runner events. Closed after KindExit.
func (r *Runner) Events() <-chan Event {
	return r.events
}

// PID returns the child's process ID.
func (r *Runner) PID() int {
	return r.cmd.Process.Pid
}

// CommandLine returns the full command line for failure records.
func (r *Runner) CommandLine() string {
	return r.cmdLine
}

// pump reads merged output until EOF, emits line/partial events, then waits
// for the process and emits the exit event.
func (r *Runner) pump(out *os.File) {
	defer close(r.done)
	defer close(r.events)
	defer out.Close()

	reader := bufio.NewReader(out)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if strings.HasSuffix(line, "\n") {
				r.events <- Event{Kind: KindLine, Text: strings.TrimRight(line, "\r\n")}
			} else {
				r.events <- Event{Kind: KindPartial, Text: line}
			}
		}
		if err != nil {
			if err != io.EOF {
				r.logger.Warn("output read error", "error", err)
			}
			break
		}
	}

	err := r.cmd.Wait()
	exit := Event{Kind: KindExit}
	switch e := err.(type) {
	case nil:
		exit.ExitCode = 0
	case *exec.ExitError:
		exit.ExitCode = e.ExitCode()
		if exit.ExitCode < 0 {
			exit.Err = e
		}
	default:
		exit.ExitCode = -1
		exit.Err = err
	}

	r.logger.Debug("process exited", "exit_code", exit.ExitCode)
	r.events <- exit
}

// Kill terminates the process group: SIGTERM first, SIGKILL after the grace
// period if the process has not exited. Safe to call more than once.
func (r *Runner) Kill() {
	r.killOnce.Do(func() {
		r.logger.Debug("killing process group")
		_ = signalGroup(r.cmd, syscall.SIGTERM)

		select {
		case <-r.done:
		case <-time.After(killGracePeriod):
			r.logger.Warn("process ignored SIGTERM, sending SIGKILL")
			_ = signalGroup(r.cmd, syscall.SIGKILL)
		}
	})
}

// Wait blocks until the process has exited and its events are drained by the
// pump goroutine.
func (r *Runner) Wait() {
	<-r.done
}

// signalGroup sends sig to the child's process group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// Fall back to the direct child when the group is already gone.
		return cmd.Process.Signal(sig)
	}
	return syscall.Kill(-pgid, sig)
}
