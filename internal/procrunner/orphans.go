package procrunner

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// KillOrphans terminates processes whose command line starts with the given
// binary name. Stage workers call this at startup to reap children left by a
// prior crashed run. Returns the number of processes signalled.
func KillOrphans(ctx context.Context, logger *slog.Logger, binaryName string) int {
	if logger == nil {
		logger = slog.Default()
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		logger.Warn("orphan scan failed", "error", err)
		return 0
	}

	self := os.Getpid()
	killed := 0
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if !matchesBinary(cmdline, binaryName) {
			continue
		}

		logger.Info("killing orphaned process",
			"pid", p.Pid,
			"cmdline", cmdline,
		)
		if err := p.SendSignalWithContext(ctx, syscall.SIGKILL); err != nil {
			logger.Warn("failed to kill orphan", "pid", p.Pid, "error", err)
			continue
		}
		killed++
	}
	return killed
}

// matchesBinary reports whether the command line's argv[0] is the binary,
// either bare or as the last path element.
func matchesBinary(cmdline, binaryName string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return false
	}
	argv0 := fields[0]
	if argv0 == binaryName {
		return true
	}
	if i := strings.LastIndexByte(argv0, '/'); i >= 0 {
		return argv0[i+1:] == binaryName
	}
	return false
}
