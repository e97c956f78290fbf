package teardown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"

	"adwboard/internal/model"
)

// WorktreeRemover removes a run's worktree and reports how it did so.
type WorktreeRemover interface {
	Remove(ctx context.Context, path string) model.WorktreeResult
}

type GitWorktreeOptions struct {
	RepoRoot string
	// TreesRoot bounds filesystem fallback removal. Relative values resolve
	// against RepoRoot; empty means RepoRoot/trees.
	TreesRoot         string
	LockRetryAttempts int
	LockRetryDelay    time.Duration
	Logger            *slog.Logger
}

type gitWorktrees struct {
	repoRoot  string
	treesRoot string
	retries  int
	delay    time.Duration
	runner   commandRunner
	sleep    func(time.Duration)
	logger   *slog.Logger
}

func NewGitWorktrees(options GitWorktreeOptions) WorktreeRemover {
	return newGitWorktrees(options, execRunner{})
}

func newGitWorktrees(options GitWorktreeOptions, runner commandRunner) *gitWorktrees {
	repoRoot := strings.TrimSpace(options.RepoRoot)
	if repoRoot == "" {
		repoRoot = "."
	}
	if abs, err := filepath.Abs(repoRoot); err == nil {
		repoRoot = abs
	}
	treesRoot := strings.TrimSpace(options.TreesRoot)
	if treesRoot == "" {
		treesRoot = "trees"
	}
	if !filepath.IsAbs(treesRoot) {
		treesRoot = filepath.Join(repoRoot, treesRoot)
	}
	retries := options.LockRetryAttempts
	if retries < 0 {
		retries = 0
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &gitWorktrees{
		repoRoot:  repoRoot,
		treesRoot: filepath.Clean(treesRoot),
		retries:   retries,
		delay:     options.LockRetryDelay,
		runner:    runner,
		sleep:     time.Sleep,
		logger:    logger,
	}
}

func (g *gitWorktrees) Remove(ctx context.Context, path string) model.WorktreeResult {
	path = strings.TrimSpace(path)
	if path == "" {
		return model.WorktreeResult{Removed: true, Method: model.WorktreeMethodAbsent}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.repoRoot, path)
	}
	path = filepath.Clean(path)
	result := model.WorktreeResult{Path: path}

	registered, err := g.registered(ctx, path)
	if err != nil {
		g.logger.Warn("worktree registry unavailable", "repo_root", g.repoRoot, "err", err)
	}
	present, err := dirExists(path)
	if err != nil {
		result.Error = compactErrorText(err)
		return result
	}

	switch {
	case registered && present:
		result.Method = model.WorktreeMethodGit
		attempts, err := g.removeWithRetry(ctx, path)
		result.Attempts = attempts
		if err != nil {
			result.Error = compactErrorText(err)
			return result
		}
		result.Removed = true
	case registered:
		result.Method = model.WorktreeMethodPrune
		if _, err := g.git(ctx, "worktree", "prune"); err != nil {
			result.Error = compactErrorText(err)
			return result
		}
		result.Removed = true
	case present:
		result.Method = model.WorktreeMethodFilesystem
		if !g.insideTreesRoot(path) {
			g.logger.Warn("refusing filesystem removal outside trees root", "path", path, "trees_root", g.treesRoot)
			result.Error = fmt.Sprintf("refusing to remove %s: outside trees root %s", path, g.treesRoot)
			return result
		}
		if err := os.RemoveAll(path); err != nil {
			result.Error = compactErrorText(fmt.Errorf("remove worktree dir %s: %w", path, err))
			return result
		}
		if _, err := g.git(ctx, "worktree", "prune"); err != nil {
			g.logger.Debug("worktree prune after filesystem removal failed", "path", path, "err", err)
		}
		result.Removed = true
	default:
		result.Method = model.WorktreeMethodAbsent
		result.Removed = true
	}
	return result
}

// removeWithRetry retries only lock or in-use failures, up to the
// configured number of retries with a fixed delay between attempts.
func (g *gitWorktrees) removeWithRetry(ctx context.Context, path string) (int, error) {
	attempts := 0
	var lastErr error
	allowed := 1 + g.retries
	lockRetry := func(uint) bool {
		if attempts == 0 {
			return true
		}
		if attempts >= allowed || !isLockError(lastErr) {
			return false
		}
		g.logger.Info("worktree locked, retrying removal",
			"path", path,
			"attempt", attempts+1,
			"delay", g.delay.String(),
			"err", lastErr,
		)
		if g.delay > 0 {
			g.sleep(g.delay)
		}
		return true
	}
	err := retry.Retry(func(uint) error {
		attempts++
		_, lastErr = g.git(ctx, "worktree", "remove", "--force", path)
		return lastErr
	}, strategy.Limit(uint(allowed)), lockRetry)
	return attempts, err
}

// insideTreesRoot reports whether path sits strictly below the trees root.
// The final element is not resolved so a symlinked worktree is judged by
// where the link lives.
func (g *gitWorktrees) insideTreesRoot(path string) bool {
	root := canonicalPath(g.treesRoot)
	target := filepath.Join(canonicalPath(filepath.Dir(path)), filepath.Base(path))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (g *gitWorktrees) registered(ctx context.Context, path string) (bool, error) {
	out, err := g.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return false, err
	}
	target := canonicalPath(path)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		candidate := strings.TrimSpace(strings.TrimPrefix(line, "worktree "))
		if canonicalPath(candidate) == target {
			return true, nil
		}
	}
	return false, nil
}

func (g *gitWorktrees) git(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, "", "git", append([]string{"-C", g.repoRoot}, args...)...)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		text = strings.ToLower(cmdErr.Output) + " " + text
	}
	for _, marker := range []string{"locked", "in use", "busy", ".lock"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func dirExists(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat worktree %s: %w", path, err)
	}
	return info.IsDir() || info.Mode()&os.ModeSymlink != 0, nil
}

func canonicalPath(path string) string {
	path = filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	dir, base := filepath.Split(path)
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(resolved, base)
	}
	return path
}
