package teardown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"adwboard/internal/model"
)

// PortReleaser terminates whatever process listens on a port. Finding no
// process is a success with no PIDs.
type PortReleaser interface {
	Release(ctx context.Context, port int) ([]int, error)
}

// ProcessError reports a single process that could not be terminated.
type ProcessError struct {
	PID int
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("terminate pid %d: %v", e.PID, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

type lsofReleaser struct {
	runner    commandRunner
	grace     time.Duration
	terminate func(ctx context.Context, pid int, grace time.Duration) error
}

// NewLsofReleaser finds listeners with lsof and stops them with SIGTERM,
// escalating to SIGKILL once grace elapses.
func NewLsofReleaser(grace time.Duration) PortReleaser {
	return &lsofReleaser{
		runner:    execRunner{},
		grace:     grace,
		terminate: terminateProcess,
	}
}

func (r *lsofReleaser) Release(ctx context.Context, port int) ([]int, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	pids, err := r.listeners(ctx, port)
	if err != nil {
		return nil, err
	}
	terminated := make([]int, 0, len(pids))
	var failures []error
	for _, pid := range pids {
		if err := r.terminate(ctx, pid, r.grace); err != nil {
			failures = append(failures, &ProcessError{PID: pid, Err: err})
			continue
		}
		terminated = append(terminated, pid)
	}
	return terminated, errors.Join(failures...)
}

func (r *lsofReleaser) listeners(ctx context.Context, port int) ([]int, error) {
	out, err := r.runner.Run(ctx, "", "lsof", "-t", "-i", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN")
	if err != nil {
		var cmdErr *commandError
		// lsof exits 1 without output when nothing matches.
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 && strings.TrimSpace(out) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("find listeners on port %d: %w", port, err)
	}
	return parsePIDs(out), nil
}

func parsePIDs(output string) []int {
	seen := map[int]bool{}
	out := []int{}
	for _, field := range strings.Fields(output) {
		pid, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// releasePorts runs the releaser for every port with bounded parallelism.
// Failures are collected per port and never stop the remaining ports.
func releasePorts(ctx context.Context, releaser PortReleaser, ports []int, limit int) model.PortsResult {
	result := model.PortsResult{ReleasedPorts: []int{}}
	if len(ports) == 0 {
		result.Released = true
		return result
	}
	if limit <= 0 {
		limit = 1
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for _, port := range ports {
		port := port
		group.Go(func() error {
			pids, err := releaser.Release(groupCtx, port)
			mu.Lock()
			defer mu.Unlock()
			result.TerminatedPIDs = append(result.TerminatedPIDs, pids...)
			if err != nil {
				result.Failures = append(result.Failures, portFailures(port, err)...)
				return nil
			}
			result.ReleasedPorts = append(result.ReleasedPorts, port)
			return nil
		})
	}
	_ = group.Wait()

	sort.Ints(result.ReleasedPorts)
	sort.Ints(result.TerminatedPIDs)
	sort.Slice(result.Failures, func(i, j int) bool {
		if result.Failures[i].Port != result.Failures[j].Port {
			return result.Failures[i].Port < result.Failures[j].Port
		}
		return result.Failures[i].PID < result.Failures[j].PID
	})
	result.Released = len(result.Failures) == 0
	return result
}

func portFailures(port int, err error) []model.PortFailure {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		out := []model.PortFailure{}
		for _, inner := range joined.Unwrap() {
			out = append(out, portFailure(port, inner))
		}
		if len(out) > 0 {
			return out
		}
	}
	return []model.PortFailure{portFailure(port, err)}
}

func portFailure(port int, err error) model.PortFailure {
	failure := model.PortFailure{Port: port, Error: compactErrorText(err)}
	var processErr *ProcessError
	if errors.As(err, &processErr) {
		failure.PID = processErr.PID
	}
	return failure
}
