package teardown

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"adwboard/internal/model"
)

type deletionResult struct {
	outcome model.DeletionOutcome
	err     error
}

// registry tracks deletions in flight per run id. Callers that arrive while
// a deletion for the same id is running share its outcome.
type registry struct {
	group singleflight.Group

	mu      sync.Mutex
	running map[string]bool
	waiters map[string]int
	// pending counts callers whose deletion has not finished yet, including
	// callers that stopped waiting.
	pending int
	idle    chan struct{}
}

func newRegistry() *registry {
	return &registry{
		running: map[string]bool{},
		waiters: map[string]int{},
	}
}

// do joins or starts the deletion for runID. fn runs in its own goroutine
// and keeps running when ctx ends; the caller just stops waiting.
func (r *registry) do(ctx context.Context, runID string, fn func() (model.DeletionOutcome, error)) (model.DeletionOutcome, bool, error) {
	r.acquire()
	ch := r.group.DoChan(runID, func() (any, error) {
		r.setRunning(runID, true)
		defer r.setRunning(runID, false)
		outcome, err := fn()
		return deletionResult{outcome: outcome, err: err}, nil
	})
	r.addWaiter(runID, 1)
	defer r.addWaiter(runID, -1)

	select {
	case res := <-ch:
		r.release()
		result, _ := res.Val.(deletionResult)
		return result.outcome, res.Shared, result.err
	case <-ctx.Done():
		go func() {
			<-ch
			r.release()
		}()
		return model.DeletionOutcome{}, false, ctx.Err()
	}
}

func (r *registry) acquire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending++
}

func (r *registry) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if r.pending == 0 && r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
}

// wait blocks until every started deletion has reached a terminal state or
// ctx ends.
func (r *registry) wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.pending == 0 {
			r.mu.Unlock()
			return nil
		}
		if r.idle == nil {
			r.idle = make(chan struct{})
		}
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *registry) setRunning(runID string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if running {
		r.running[runID] = true
		return
	}
	delete(r.running, runID)
}

func (r *registry) addWaiter(runID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters[runID] += delta
	if r.waiters[runID] <= 0 {
		delete(r.waiters, runID)
	}
}

func (r *registry) waiting(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters[runID]
}

func (r *registry) inFlight() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for runID := range r.running {
		out = append(out, runID)
	}
	sort.Strings(out)
	return out
}
