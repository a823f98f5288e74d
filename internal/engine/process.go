package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	pollInterval     = 250 * time.Millisecond
	forceKillTimeout = 10 * time.Second
	giveUpTimeout    = 20 * time.Second
)

// chromeRootPattern matches the top-level browser process playwright starts.
const chromeRootPattern = "chrom.*--remote-debugging-pipe"

func parsePIDs(output []byte) []int {
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// findRootPIDs lists every browser root process on the host.
func findRootPIDs() []int {
	output, err := exec.Command("pgrep", "-f", chromeRootPattern).Output()
	if err != nil {
		return nil
	}
	return parsePIDs(output)
}

// findChildPIDs recursively lists the descendants of parent.
func findChildPIDs(parent int) []int {
	output, err := exec.Command("pgrep", "-P", strconv.Itoa(parent)).Output()
	if err != nil {
		return nil
	}
	var result []int
	for _, child := range parsePIDs(output) {
		result = append(result, child)
		result = append(result, findChildPIDs(child)...)
	}
	return result
}

// newPIDs returns the entries of after that are not in before.
func newPIDs(before, after []int) []int {
	seen := make(map[int]bool, len(before))
	for _, pid := range before {
		seen[pid] = true
	}
	var out []int
	for _, pid := range after {
		if !seen[pid] {
			out = append(out, pid)
		}
	}
	return out
}

// processTree expands roots with all of their current descendants.
func processTree(roots []int) []int {
	all := make(map[int]bool)
	for _, pid := range roots {
		all[pid] = true
		for _, child := range findChildPIDs(pid) {
			all[child] = true
		}
	}
	out := make([]int, 0, len(all))
	for pid := range all {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for the process without delivering anything
	err = process.Signal(syscall.Signal(0))
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// isZombie reports whether pid has exited but was not reaped yet. Without an
// init process in the container nobody reaps orphaned renderers.
func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// the state follows the parenthesised command name
	i := bytes.LastIndexByte(data, ')')
	return i >= 0 && i+2 < len(data) && data[i+2] == 'Z'
}

func killProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}

// waitForExit polls until every pid is gone. Survivors are killed once
// forceKillTimeout passes or ctx is done; after giveUpTimeout the remaining
// pids are returned.
func waitForExit(ctx context.Context, pids []int, log *slog.Logger, onKill func()) []int {
	if len(pids) == 0 {
		return nil
	}

	start := time.Now()
	killed := false
	remaining := append([]int(nil), pids...)

	for {
		var running []int
		for _, pid := range remaining {
			if processExists(pid) {
				running = append(running, pid)
			}
		}
		remaining = running
		if len(remaining) == 0 {
			return nil
		}

		elapsed := time.Since(start)
		if !killed && (elapsed >= forceKillTimeout || ctx.Err() != nil) {
			log.Warn("force killing browser processes", "pids", remaining, "elapsed", elapsed)
			for _, pid := range remaining {
				if err := killProcess(pid); err != nil {
					log.Debug("kill failed", "pid", pid, "error", err)
					continue
				}
				if onKill != nil {
					onKill()
				}
			}
			killed = true
		}

		if elapsed > giveUpTimeout {
			log.Error("giving up on browser processes", "pids", remaining)
			return remaining
		}
		time.Sleep(pollInterval)
	}
}
