package worker

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	perr "blockcrawl/internal/platform/errors"
)

// writePidfile records the current process id so a separate crawl-stop
// invocation can find and signal it.
func writePidfile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// removePidfile best-effort removes the pidfile on clean shutdown.
func removePidfile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// StopRunning implements the crawl-stop subcommand: read the pidfile at path
// and send SIGTERM to the process it names, which the running worker's own
// signal handler turns into a cooperative stop.
func StopRunning(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeNotFound, "read pidfile %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeInvalidArgument, "parse pid from %s", path)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeNotFound, "find process %d", pid)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "signal process %d", pid)
	}
	return nil
}
