// Command deployctl versions, deploys and rolls back the daemon's container
// images in a compose deployment directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"tw_autotrade/config"
	"tw_autotrade/logging"
	"tw_autotrade/services/release"
)

const usage = `usage: deployctl [--config path] [--yes] <command> [flags]

commands:
  version [set <version>]   show or set the VERSION file
  bump <major|minor|patch>  increment the VERSION file
  deploy                    tag the built image, restart and promote when healthy
  list                      list local version-tagged images
  rollback                  switch to a retained image without building
  prune                     remove images beyond the retention count
  status                    show version, record, images and health
  health                    probe the health endpoint
`

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"version":  versionCmd,
	"bump":     bumpCmd,
	"deploy":   deployCmd,
	"list":     listCmd,
	"rollback": rollbackCmd,
	"prune":    pruneCmd,
	"status":   statusCmd,
	"health":   healthCmd,
}

// app carries what every command needs.
type app struct {
	cfg     *config.Config
	manager *release.Manager
	out     io.Writer
}

func main() {
	logging.Configure(logging.Config{Format: "console", Output: os.Stderr, Service: "deployctl"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, release.ExecRunner{}); err != nil {
		if errors.Is(err, release.ErrAborted) {
			fmt.Fprintln(os.Stderr, "aborted")
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer, runner release.Runner) error {
	fs := pflag.NewFlagSet("deployctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(out)
	fs.Usage = func() { fmt.Fprint(out, usage) }
	configPath := fs.StringP("config", "c", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	yes := fs.BoolP("yes", "y", false, "skip confirmation prompts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("unknown command %q (want one of %s)", rest[0], strings.Join(names, ", "))
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	confirm := release.TerminalConfirmer(os.Stdin, out)
	if *yes {
		confirm = release.AlwaysConfirm
	}
	manager := release.NewManager(cfg.Deploy, runner,
		release.WithConfirmer(confirm),
		release.WithNotifier(release.NewNotifier(cfg.Deploy.DashboardURL, cfg.Dashboard.DeployTokenSecret)),
	)
	return cmd(ctx, &app{cfg: cfg, manager: manager, out: out}, rest[1:])
}
