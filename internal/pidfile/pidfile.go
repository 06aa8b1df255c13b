// Package pidfile guards a daemon against double starts through a PID
// file on disk.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/oriys/polaris/internal/logging"
)

// Acquire writes the current PID to path. It fails when the file
// already names a live process. A file left behind by a dead process,
// or one with unreadable contents, is replaced. The returned release
// removes the file.
func Acquire(path string) (func(), error) {
	if pid, ok := readPID(path); ok {
		if alive(pid) {
			return nil, fmt.Errorf("already running with pid %d (%s)", pid, path)
		}
		logging.Op().Warn("replacing stale pid file", "path", path, "pid", pid)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	release := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Op().Warn("remove pid file", "path", path, "error", err)
		}
	}
	return release, nil
}

func readPID(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// alive reports whether a process with this pid exists. Signal 0
// checks existence without delivering anything; EPERM still means the
// process is there, just not ours.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
