package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"tabrunner/internal/app"
	logx "tabrunner/pkg/logx"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML or JSON config file",
		Value:   "./tabrunner.yaml",
		EnvVars: []string{"TABRUNNER_CONFIG"},
	},
	&cli.StringSliceFlag{
		Name:  "env-file",
		Usage: "Dotenv files loaded before the config is parsed (missing ./.env is ignored)",
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "tabrunner",
		Usage:   "Drain a work queue through browser tabs, one item at a time",
		Version: Version,
		Description: `tabrunner opens one page per queued item, fills and submits it,
then waits a randomized interval before the next item.

Examples:
  tabrunner run
  tabrunner queue add alice@example.com bob@example.com
  tabrunner history --limit 5 --query alice`,
		Flags:  globalFlags,
		Before: loadEnv,
		Commands: []*cli.Command{
			runCommand,
			queueCommand,
			historyCommand,
			statusCommand,
			settingsCommand,
		},
	}
}

func loadEnv(c *cli.Context) error {
	files := c.StringSlice("env-file")
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run the daemon (automation loop, control API, bot)",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Drain the queue without opening pages (fake browser driver)",
		},
	},
	Action: func(c *cli.Context) error {
		ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		var opts []app.Option
		if c.Bool("dry-run") {
			opts = append(opts, app.WithDryRun())
		}
		a, err := app.New(c.String("config"), opts...)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, app.StopFatalError)
			return err
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
		if reason == app.StopFatalError {
			return a.Err()
		}
		return nil
	},
}

// withLocal opens the store for a one-shot command.
func withLocal(c *cli.Context, fn func(ctx context.Context, l *app.Local) error) error {
	l, err := app.OpenLocal(c.String("config"), logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer l.Close()
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()
	return fn(ctx, l)
}

var queueCommand = &cli.Command{
	Name:  "queue",
	Usage: "Inspect or edit the work queue",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "Print queued items, head first",
			Action: func(c *cli.Context) error {
				return withLocal(c, func(ctx context.Context, l *app.Local) error {
					items, err := l.Queue.Items(ctx)
					if err != nil {
						return err
					}
					for _, it := range items {
						fmt.Fprintln(c.App.Writer, it)
					}
					return nil
				})
			},
		},
		{
			Name:      "add",
			Usage:     "Append items to the tail",
			ArgsUsage: "ITEM [ITEM...]",
			Action: func(c *cli.Context) error {
				if c.NArg() == 0 {
					return errors.New("at least one item is required")
				}
				return withLocal(c, func(ctx context.Context, l *app.Local) error {
					n, err := l.Queue.Append(ctx, c.Args().Slice()...)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "queued %d item(s)\n", n)
					return nil
				})
			},
		},
		{
			Name:      "remove",
			Usage:     "Remove the first occurrence of an item",
			ArgsUsage: "ITEM",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return errors.New("exactly one item is required")
				}
				return withLocal(c, func(ctx context.Context, l *app.Local) error {
					found, err := l.Queue.Remove(ctx, c.Args().First())
					if err != nil {
						return err
					}
					if !found {
						return fmt.Errorf("%q is not queued", c.Args().First())
					}
					return nil
				})
			},
		},
		{
			Name:  "clear",
			Usage: "Empty the queue",
			Action: func(c *cli.Context) error {
				return withLocal(c, func(ctx context.Context, l *app.Local) error {
					return l.Queue.Clear(ctx)
				})
			},
		},
	},
}

var historyCommand = &cli.Command{
	Name:  "history",
	Usage: "Print processed items, newest first",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum entries (0 = all)", Value: 20},
		&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Fuzzy filter on item and label"},
	},
	Action: func(c *cli.Context) error {
		if c.Int("limit") < 0 {
			return errors.New("--limit must be >= 0")
		}
		return withLocal(c, func(ctx context.Context, l *app.Local) error {
			entries, err := l.History.Search(ctx, c.String("query"), c.Int("limit"))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%s\n", e.At.Local().Format(time.DateTime), e.Outcome, e.Item, e.Label)
			}
			return nil
		})
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Print the persisted run state, queue length and last timeline",
	Action: func(c *cli.Context) error {
		return withLocal(c, func(ctx context.Context, l *app.Local) error {
			snap, err := l.Status(ctx)
			if err != nil {
				return err
			}
			w := c.App.Writer
			state := "idle"
			if snap.Run.Running {
				state = "running"
			}
			fmt.Fprintf(w, "run:       %s\n", state)
			if snap.Run.RunID != "" {
				fmt.Fprintf(w, "run id:    %s\n", snap.Run.RunID)
				fmt.Fprintf(w, "processed: %d\n", snap.Run.Processed)
			}
			fmt.Fprintf(w, "queued:    %d\n", snap.QueueLen)
			for _, s := range snap.Timeline {
				mark := " "
				switch {
				case s.Active:
					mark = ">"
				case s.Completed:
					mark = "x"
				}
				fmt.Fprintf(w, "  [%s] %-7s %s\n", mark, s.ID, strings.TrimSpace(s.Label))
			}
			return nil
		})
	},
}

var settingsCommand = &cli.Command{
	Name:  "settings",
	Usage: "Inspect run settings",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Usage: "Print the effective settings as JSON",
			Action: func(c *cli.Context) error {
				return withLocal(c, func(ctx context.Context, l *app.Local) error {
					s, err := l.Settings(ctx)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(c.App.Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(s)
				})
			},
		},
	},
}
