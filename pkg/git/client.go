package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Client wraps git command execution with a file-based lock for process safety.
type Client struct {
	WorkDir  string
	Logger   *slog.Logger
	Author   string
	Email    string
	lockPath string
}

// NewClient creates a new git client for the given working directory.
// lockName is the lock file created inside workDir while a caller holds Lock.
func NewClient(workDir, lockName string, logger *slog.Logger) *Client {
	if lockName == "" {
		lockName = ".tagmesh.lock"
	}
	return &Client{
		WorkDir:  workDir,
		Logger:   logger,
		lockPath: lockName,
	}
}

// IsInstalled reports whether a git binary is on PATH.
func IsInstalled() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// Lock acquires the file-based lock, polling until it is free or ctx is done.
func (c *Client) Lock(ctx context.Context) (func(), error) {
	fullLockPath := filepath.Join(c.WorkDir, c.lockPath)

	for {
		f, err := os.OpenFile(fullLockPath, os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			f.Close()
			return func() {
				os.Remove(fullLockPath)
			}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock: %w", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Run executes a raw git command in the working directory.
// It does not take the lock; callers serialize through Lock.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	if c.Logger != nil {
		c.Logger.Debug("executing git", "args", args, "dir", c.WorkDir)
	}

	full := args
	if c.Author != "" {
		full = append([]string{"-c", "user.name=" + c.Author, "-c", "user.email=" + c.Email}, args...)
	}

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = c.WorkDir

	out, err := cmd.CombinedOutput()
	output := string(out)

	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, output)
	}

	return strings.TrimSpace(output), nil
}

// IsRepo reports whether WorkDir is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.Run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Init initializes a new git repository. Re-running it is harmless.
func (c *Client) Init(ctx context.Context) error {
	_, err := c.Run(ctx, "init")
	return err
}

// Add adds files to the stage.
func (c *Client) Add(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, files...)
	_, err := c.Run(ctx, args...)
	return err
}

// Commit records staged changes.
func (c *Client) Commit(ctx context.Context, msg string) error {
	_, err := c.Run(ctx, "commit", "-m", msg)
	return err
}

// Status returns the porcelain status of the repo.
func (c *Client) Status(ctx context.Context) (string, error) {
	return c.Run(ctx, "status", "--porcelain")
}

// Log returns the one-line subjects of the most recent commits.
func (c *Client) Log(ctx context.Context, n int) ([]string, error) {
	out, err := c.Run(ctx, "log", fmt.Sprintf("-%d", n), "--format=%s")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
