package release

import (
	"context"
	"fmt"
	"strings"
)

// Git runs the few repository operations the release flow needs.
type Git struct {
	runner Runner
	dir    string
}

func NewGit(runner Runner, dir string) *Git {
	return &Git{runner: runner, dir: dir}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	out, err := g.runner.Run(ctx, Command{Dir: g.dir, Name: "git", Args: args})
	return strings.TrimSpace(out), err
}

// Head returns the commit checked out in the source tree.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	return out, nil
}

// ResetHard moves the source tree to commit, discarding local changes.
func (g *Git) ResetHard(ctx context.Context, commit string) error {
	if _, err := g.run(ctx, "reset", "--hard", commit); err != nil {
		return fmt.Errorf("reset source to %s: %w", commit, err)
	}
	return nil
}

// Tag creates an annotated tag for version at HEAD.
func (g *Git) Tag(ctx context.Context, version string) error {
	if _, err := g.run(ctx, "tag", "-a", version, "-m", "Release "+version); err != nil {
		return fmt.Errorf("tag %s: %w", version, err)
	}
	return nil
}
