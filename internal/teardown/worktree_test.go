package teardown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adwboard/internal/model"
	"adwboard/internal/policy"
	"adwboard/internal/runstate"
)

type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	handler func(command string) (string, error)
}

func (r *scriptedRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	if name == "git" && len(args) >= 2 && args[0] == "-C" {
		args = args[2:]
	}
	command := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.mu.Lock()
	r.calls = append(r.calls, command)
	r.mu.Unlock()
	return r.handler(command)
}

func (r *scriptedRunner) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func lockedError(path string) error {
	return &commandError{
		Name:     "git",
		Args:     []string{"worktree", "remove", "--force", path},
		ExitCode: 128,
		Output:   fmt.Sprintf("fatal: cannot remove a locked working tree, lock reason: in use\nuse 'remove -f -f' to override or unlock first (%s)", path),
	}
}

func newTestWorktrees(t *testing.T, handler func(command string) (string, error)) (*gitWorktrees, *scriptedRunner, *[]time.Duration) {
	t.Helper()
	runner := &scriptedRunner{handler: handler}
	g := newGitWorktrees(GitWorktreeOptions{
		RepoRoot:          t.TempDir(),
		LockRetryAttempts: 1,
		LockRetryDelay:    2 * time.Second,
	}, runner)
	slept := []time.Duration{}
	g.sleep = func(d time.Duration) { slept = append(slept, d) }
	return g, runner, &slept
}

func porcelain(paths ...string) string {
	lines := []string{}
	for _, path := range paths {
		lines = append(lines, "worktree "+path, "HEAD 0000000000000000000000000000000000000000", "branch refs/heads/x", "")
	}
	return strings.Join(lines, "\n")
}

func TestWorktreeRemovedWithGit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ab12cd34")
	require.NoError(t, os.MkdirAll(path, 0o755))
	g, runner, slept := newTestWorktrees(t, func(command string) (string, error) {
		switch {
		case strings.HasPrefix(command, "git worktree list"):
			return porcelain("/repo", path), nil
		case strings.HasPrefix(command, "git worktree remove"):
			return "", os.RemoveAll(path)
		}
		return "", nil
	})

	result := g.Remove(context.Background(), path)
	assert.True(t, result.Removed)
	assert.Equal(t, model.WorktreeMethodGit, result.Method)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, result.Error)
	assert.Equal(t, 1, runner.count("git worktree remove --force "+path))
	assert.Empty(t, *slept)
}

func TestWorktreeLockedRetriesOnceAfterDelay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ab12cd34")
	require.NoError(t, os.MkdirAll(path, 0o755))
	removals := 0
	g, runner, slept := newTestWorktrees(t, func(command string) (string, error) {
		switch {
		case strings.HasPrefix(command, "git worktree list"):
			return porcelain(path), nil
		case strings.HasPrefix(command, "git worktree remove"):
			removals++
			if removals == 1 {
				return "", lockedError(path)
			}
			return "", os.RemoveAll(path)
		}
		return "", nil
	})

	result := g.Remove(context.Background(), path)
	assert.True(t, result.Removed)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, runner.count("git worktree remove"))
	assert.Equal(t, []time.Duration{2 * time.Second}, *slept)
}

func TestWorktreeLockedTwiceRecordsFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ab12cd34")
	require.NoError(t, os.MkdirAll(path, 0o755))
	g, runner, slept := newTestWorktrees(t, func(command string) (string, error) {
		switch {
		case strings.HasPrefix(command, "git worktree list"):
			return porcelain(path), nil
		case strings.HasPrefix(command, "git worktree remove"):
			return "", lockedError(path)
		}
		return "", nil
	})

	result := g.Remove(context.Background(), path)
	assert.False(t, result.Removed)
	assert.Equal(t, model.WorktreeMethodGit, result.Method)
	assert.Equal(t, 2, result.Attempts)
	assert.Contains(t, result.Error, "locked")
	assert.Equal(t, 2, runner.count("git worktree remove"))
	assert.Len(t, *slept, 1)
	assert.DirExists(t, path)
}

func TestWorktreeNonLockFailureIsNotRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ab12cd34")
	require.NoError(t, os.MkdirAll(path, 0o755))
	g, runner, slept := newTestWorktrees(t, func(command string) (string, error) {
		switch {
		case strings.HasPrefix(command, "git worktree list"):
			return porcelain(path), nil
		case strings.HasPrefix(command, "git worktree remove"):
			return "", &commandError{Name: "git", ExitCode: 128, Output: "fatal: permission denied"}
		}
		return "", nil
	})

	result := g.Remove(context.Background(), path)
	assert.False(t, result.Removed)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, runner.count("git worktree remove"))
	assert.Empty(t, *slept)
}

func TestWorktreeRegisteredButMissingIsPruned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone1234")
	g, runner, _ := newTestWorktrees(t, func(command string) (string, error) {
		if strings.HasPrefix(command, "git worktree list") {
			return porcelain(path), nil
		}
		return "", nil
	})

	result := g.Remove(context.Background(), path)
	assert.True(t, result.Removed)
	assert.Equal(t, model.WorktreeMethodPrune, result.Method)
	assert.Equal(t, 1, runner.count("git worktree prune"))
	assert.Equal(t, 0, runner.count("git worktree remove"))
}

func TestWorktreeUnregisteredDirectoryRemovedDirectly(t *testing.T) {
	g, runner, _ := newTestWorktrees(t, func(command string) (string, error) {
		if strings.HasPrefix(command, "git worktree list") {
			return porcelain("/repo"), nil
		}
		return "", nil
	})
	path := filepath.Join(g.treesRoot, "ab12cd34")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "node_modules", "x"), 0o755))

	result := g.Remove(context.Background(), path)
	assert.True(t, result.Removed)
	assert.Equal(t, model.WorktreeMethodFilesystem, result.Method)
	assert.NoDirExists(t, path)
	assert.Equal(t, 0, runner.count("git worktree remove"))
}

func TestWorktreeRemovedDirectlyWhenRegistryUnavailable(t *testing.T) {
	g, _, _ := newTestWorktrees(t, func(command string) (string, error) {
		return "", &commandError{Name: "git", ExitCode: 128, Output: "fatal: not a git repository", Err: errors.New("exit status 128")}
	})
	path := filepath.Join(g.treesRoot, "ab12cd34")
	require.NoError(t, os.MkdirAll(path, 0o755))

	result := g.Remove(context.Background(), path)
	assert.True(t, result.Removed)
	assert.Equal(t, model.WorktreeMethodFilesystem, result.Method)
	assert.NoDirExists(t, path)
}

func TestWorktreeFilesystemRemovalStaysInsideTreesRoot(t *testing.T) {
	g, _, _ := newTestWorktrees(t, func(command string) (string, error) {
		return "", &commandError{Name: "git", ExitCode: 128, Output: "fatal: not a git repository", Err: errors.New("exit status 128")}
	})
	require.NoError(t, os.MkdirAll(g.treesRoot, 0o755))
	outside := filepath.Join(g.repoRoot, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(outside, "keep"), 0o755))
	elsewhere := filepath.Join(t.TempDir(), "ab12cd34")
	require.NoError(t, os.MkdirAll(elsewhere, 0o755))

	cases := map[string]string{
		"relative escape": "trees/../outside",
		"trees root":      "trees",
		"repo root":       g.repoRoot,
		"absolute path":   elsewhere,
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			result := g.Remove(context.Background(), path)
			assert.False(t, result.Removed)
			assert.Equal(t, model.WorktreeMethodFilesystem, result.Method)
			assert.Contains(t, result.Error, "outside trees root")
		})
	}
	assert.DirExists(t, filepath.Join(outside, "keep"))
	assert.DirExists(t, g.treesRoot)
	assert.DirExists(t, elsewhere)
}

func TestWorktreeAlreadyGone(t *testing.T) {
	g, _, _ := newTestWorktrees(t, func(command string) (string, error) {
		return porcelain("/repo"), nil
	})

	result := g.Remove(context.Background(), filepath.Join(t.TempDir(), "missing1"))
	assert.True(t, result.Removed)
	assert.Equal(t, model.WorktreeMethodAbsent, result.Method)

	empty := g.Remove(context.Background(), "  ")
	assert.True(t, empty.Removed)
	assert.Equal(t, model.WorktreeMethodAbsent, empty.Method)
}

func TestIsLockError(t *testing.T) {
	assert.True(t, isLockError(lockedError("/w")))
	assert.True(t, isLockError(errors.New("unable to create '/repo/.git/worktrees/x/index.lock': File exists")))
	assert.True(t, isLockError(errors.New("Device or resource busy")))
	assert.False(t, isLockError(errors.New("fatal: not a working tree")))
	assert.False(t, isLockError(nil))
}

func TestOptionsFromPolicyBoundsWorktreesToTreesRoot(t *testing.T) {
	cfg := policy.Default()
	cfg.Paths.RepoRoot = t.TempDir()
	cfg.Paths.TreesRoot = "worktrees"

	options := OptionsFromPolicy(cfg, runstate.New(filepath.Join(cfg.Paths.RepoRoot, "agents")), nil, nil)
	g, ok := options.Worktrees.(*gitWorktrees)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(cfg.Paths.RepoRoot, "worktrees"), g.treesRoot)
	assert.Equal(t, cfg.Teardown.LockRetryAttempts, g.retries)
	assert.Equal(t, cfg.Teardown.PortConcurrency, options.PortConcurrency)
	assert.NotNil(t, options.Ports)
}
