package service

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type ProcessKiller interface {
	KillMatching(pattern string) (int, error)
}

// ProcKiller finds processes by their command line in /proc, like pkill -f.
type ProcKiller struct {
	procDir string
	signal  unix.Signal
	kill    func(pid int, sig unix.Signal) error
	getpgid func(pid int) (int, error)
}

func NewProcKiller() *ProcKiller {
	return &ProcKiller{
		procDir: "/proc",
		signal:  unix.SIGKILL,
		kill:    unix.Kill,
		getpgid: unix.Getpgid,
	}
}

// KillMatching signals every process whose command line contains pattern,
// except the calling process and its parent. A process leading its own
// process group is signalled as a group so its children go with it.
func (k *ProcKiller) KillMatching(pattern string) (int, error) {
	entries, err := os.ReadDir(k.procDir)
	if err != nil {
		return 0, err
	}

	self, parent := os.Getpid(), os.Getppid()
	killed := 0
	var errs []error
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self || pid == parent {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join(k.procDir, e.Name(), "cmdline"))
		if err != nil || len(cmdline) == 0 {
			continue
		}
		args := strings.TrimRight(strings.ReplaceAll(string(cmdline), "\x00", " "), " ")
		if !strings.Contains(args, pattern) {
			continue
		}

		target := pid
		if pgid, err := k.getpgid(pid); err == nil && pgid == pid {
			target = -pid
		}
		if err := k.kill(target, k.signal); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, err)
			continue
		}
		killed++
	}
	return killed, errors.Join(errs...)
}
