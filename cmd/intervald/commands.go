package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"asyncinterval/internal/app"
	"asyncinterval/internal/config"
	"asyncinterval/internal/jobs"
	logx "asyncinterval/pkg/logx"
)

const shutdownTimeout = 15 * time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start every configured job and run until signalled",
		Action: func(c *cli.Context) error {
			a, err := app.New(c.String("config"))
			if err != nil {
				return cli.Exit("fatal: "+err.Error(), 1)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			if err := a.Start(c.Context); err != nil {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				_ = a.Stop(ctx, app.StopFatalError)
				cancel()
				return cli.Exit("fatal start: "+err.Error(), 1)
			}

			var reason app.StopReason
			select {
			case s := <-sigs:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			case <-c.Context.Done():
				reason = app.StopAppStop
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = a.Stop(ctx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return cli.Exit("fatal: "+err.Error(), 1)
				}
			}
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "validate the config and list its jobs",
		Action: func(c *cli.Context) error {
			cfg, err := config.NewConfigManager(c.String("config")).Load()
			if err != nil {
				return cli.Exit("invalid config: "+err.Error(), 1)
			}
			if err := printJobs(c.App.Writer, cfg); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

// printJobs builds every job and writes one row per job. The first build error is
// returned.
func printJobs(w io.Writer, cfg *config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tEVERY\tTIMEOUT")
	for _, j := range cfg.Jobs {
		if _, err := jobs.Build(j); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
		delay, err := j.Delay()
		if err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
		timeout := "-"
		if d, ok, err := j.TimeoutAfter(); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		} else if ok {
			timeout = d.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Name, j.Kind(), delay, timeout)
	}
	return tw.Flush()
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "print recent journal records",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "job",
				Usage: "only show records for this job",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
				Usage: "maximum number of records",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.NewConfigManager(c.String("config")).Load()
			if err != nil {
				return cli.Exit("invalid config: "+err.Error(), 1)
			}
			store, err := app.OpenJournal(cfg, logx.NewConsole("warn"))
			if err != nil {
				return cli.Exit("open journal: "+err.Error(), 1)
			}
			if store == nil {
				return cli.Exit("journal is disabled (storage.driver is empty)", 1)
			}
			defer store.Close()

			recs, err := store.Recent(c.Context, c.String("job"), c.Int("limit"))
			if err != nil {
				return cli.Exit("read journal: "+err.Error(), 1)
			}
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tJOB\tSEQ\tOUTCOME\tDURATION\tERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					r.Started.Local().Format(time.RFC3339),
					r.Job,
					r.Seq,
					r.Outcome,
					time.Duration(r.DurationMS)*time.Millisecond,
					r.Error,
				)
			}
			return tw.Flush()
		},
	}
}
