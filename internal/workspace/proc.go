package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidAlive reports whether a process exists and is not a zombie. Signal 0
// probes existence; EPERM still means the process is there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pidZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func pidZombie(pid int) bool {
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}
