// Package launch spawns the detached role processes (session-server,
// arbiter, sibling ranks) that dsm's daemon-spawned architecture needs in
// place of fork(). Grounded on internal/sandbox/linux.go's wrapper-reexec
// idiom: the current binary re-execs itself with a hidden subcommand
// instead of forking, and SysProcAttr{Setsid: true} detaches the child the
// way the original's double-fork + setsid() did.
package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sync/semaphore"
)

// Detached starts exe with args as a new session leader, redirecting its
// stdout/stderr to logFile instead of inheriting the parent's terminal
// (the Go equivalent of the original arbiter's xterm redirection once
// daemonized). Returns once the process has started; it does not wait for
// it to exit.
func Detached(exe string, args []string, logFile string) (*os.Process, error) {
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("launch: open log file %q: %w", logFile, err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = nil
		cmd.Stderr = nil
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch: start %q: %w", exe, err)
	}
	return cmd.Process, nil
}

// Self returns the path to the currently running binary, used to re-exec
// it as a different role via a hidden subcommand.
func Self() (string, error) {
	return os.Executable()
}

// Siblings starts n rank processes (ranks 1..n, rank 0 is the caller),
// bounding the number spawned concurrently by maxConcurrent so a large
// local_nproc does not momentarily fork-bomb the host. argsForRank builds
// each sibling's argv from its rank.
func Siblings(ctx context.Context, n, maxConcurrent int, exe string, argsForRank func(rank int) []string, logFile string) ([]*os.Process, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	procs := make([]*os.Process, n)
	errs := make([]error, n)

	done := make(chan int, n)
	for rank := 1; rank <= n; rank++ {
		rank := rank
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("launch: acquire spawn slot for rank %d: %w", rank, err)
		}
		go func() {
			defer sem.Release(1)
			p, err := Detached(exe, argsForRank(rank), logFile)
			procs[rank-1] = p
			errs[rank-1] = err
			done <- rank
		}()
	}
	for range n {
		<-done
	}

	for i, err := range errs {
		if err != nil {
			return procs, fmt.Errorf("launch: rank %d: %w", i+1, err)
		}
	}
	return procs, nil
}
