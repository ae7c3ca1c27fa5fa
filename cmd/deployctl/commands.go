package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/pflag"

	"tw_autotrade/services/release"
)

func newFlagSet(a *app, name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

// withSpinner shows a progress spinner on stderr while fn runs. The spinner
// stays silent when stderr is not a terminal.
func withSpinner(suffix string, fn func() error) error {
	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond)
	s.Color("yellow") //nolint:errcheck
	s.Suffix = " " + suffix
	s.Start()
	err := fn()
	s.Stop()
	return err
}

func versionCmd(_ context.Context, a *app, args []string) error {
	if len(args) == 2 && args[0] == "set" {
		v, err := a.manager.SetVersion(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, v)
		return nil
	}
	if len(args) != 0 {
		return errors.New("usage: deployctl version [set <version>]")
	}
	cur, err := a.manager.Current()
	if err != nil {
		return err
	}
	if cur == "" {
		return errors.New("no VERSION file")
	}
	fmt.Fprintln(a.out, cur)
	return nil
}

func bumpCmd(_ context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: deployctl bump <major|minor|patch>")
	}
	next, err := a.manager.BumpVersion(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, next)
	return nil
}

func deployCmd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "deploy")
	version := fs.String("version", "", "version to deploy (default: the VERSION file)")
	sourceTag := fs.String("source-tag", "latest", "image tag produced by the build")
	noGitTag := fs.Bool("no-git-tag", false, "do not create a git tag")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var rec *release.Record
	err := withSpinner("Deploying, waiting for the health check...", func() error {
		var err error
		rec, err = a.manager.Deploy(ctx, release.DeployOptions{
			Version:   *version,
			SourceTag: *sourceTag,
			NoGitTag:  *noGitTag,
		})
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deployed %s (commit %s)\n", rec.Version, short(rec.Commit))
	return nil
}

func listCmd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	images, err := a.manager.Images(ctx)
	if err != nil {
		return err
	}
	current, err := a.manager.Current()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(a.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"", "Version", "Tag", "Commit"})
	for _, img := range images {
		marker := ""
		if img.Version == current {
			marker = "*"
		}
		commit, err := a.manager.ImageCommit(ctx, img.Tag)
		if err != nil {
			commit = "?"
		}
		t.AppendRow(table.Row{marker, img.Version, img.Tag, short(commit)})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d images", len(images)), "", ""})
	t.Render()
	return nil
}

func rollbackCmd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "rollback")
	to := fs.String("to", "", "version to roll back to")
	steps := fs.Int("steps", 1, "roll back this many versions")
	resetSource := fs.Bool("reset-source", false, "git reset --hard the source tree to the image's commit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to != "" && fs.Changed("steps") {
		return errors.New("use either --to or --steps")
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be at least 1, got %d", *steps)
	}
	target := release.Target{Version: *to}
	if *to == "" {
		target.Steps = *steps
	}

	rec, err := a.manager.Rollback(ctx, release.RollbackOptions{Target: target, ResetSource: *resetSource})
	if rec != nil {
		fmt.Fprintf(a.out, "rolled back %s -> %s\n", rec.RollbackFrom, rec.Version)
	}
	return err
}

func pruneCmd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "prune")
	keep := fs.Int("keep", a.cfg.Deploy.Keep, "number of newest images to keep")
	if err := fs.Parse(args); err != nil {
		return err
	}
	removed, err := a.manager.Prune(ctx, *keep)
	for _, v := range removed {
		fmt.Fprintln(a.out, "removed", v)
	}
	if err == nil && len(removed) == 0 {
		fmt.Fprintln(a.out, "nothing to prune")
	}
	return err
}

func statusCmd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := a.manager.Status(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(a.out)
	t.SetStyle(table.StyleLight)
	t.AppendRow(table.Row{"Version", orNone(st.Version)})
	if st.Record != nil {
		t.AppendRow(table.Row{"Commit", short(st.Record.Commit)})
		t.AppendRow(table.Row{"Deployed at", st.Record.DeployedAt.Local().Format(time.RFC3339)})
		if st.Record.RollbackFrom != "" {
			t.AppendRow(table.Row{"Rolled back from", st.Record.RollbackFrom})
		}
	}
	t.AppendRow(table.Row{"Images", len(st.Images)})
	t.AppendRow(table.Row{"Health", st.Health})
	t.Render()
	if !st.Healthy {
		return release.ErrUnhealthy
	}
	return nil
}

func healthCmd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "health")
	wait := fs.Duration("wait", 0, "keep polling until healthy or this long has passed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	check := func() error { return a.manager.Health(ctx, *wait) }
	var err error
	if *wait > 0 {
		err = withSpinner("Waiting for "+a.cfg.Deploy.HealthURL, check)
	} else {
		err = check()
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "healthy")
	return nil
}

func short(commit string) string {
	if commit == "" {
		return "-"
	}
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
