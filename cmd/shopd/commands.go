package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"shopd/internal/app"
	"shopd/internal/config"
	"shopd/internal/task/scheduler"
)

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := app.Migrate(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", sc.Driver)
			return nil
		},
	}
}

func newSchedulesCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "Print the effective beat table with next run times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			bc, err := app.BeatConfig(cfg)
			if err != nil {
				return err
			}
			loc := time.UTC
			if bc.Timezone != "" {
				if loc, err = time.LoadLocation(bc.Timezone); err != nil {
					return err
				}
			}
			renderSchedules(cmd.OutOrStdout(), bc, loc, time.Now())
			return nil
		},
	}
}

func renderSchedules(w io.Writer, bc scheduler.Config, loc *time.Location, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("beat (%s, %s)", loc, enabledLabel(bc.Enabled)))
	t.AppendHeader(table.Row{"Name", "Task", "Schedule", "Next run"})
	for _, e := range bc.Entries {
		next := "-"
		if at, err := scheduler.NextRun(e.Schedule, loc, now); err == nil && !at.IsZero() {
			next = fmt.Sprintf("%s (%s)", at.In(loc).Format("2006-01-02 15:04 MST"), humanize.RelTime(at, now, "ago", "from now"))
		}
		t.AppendRow(table.Row{e.Name, e.Task, e.Schedule, next})
	}
	t.AppendFooter(table.Row{"", "", "total", len(bc.Entries)})
	t.Render()
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func newTasksCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List registered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer a.Stop(context.Background(), app.StopCommand)

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Task", "Queue", "Max retries", "Description"})
			for _, d := range a.Registry().Definitions() {
				t.AppendRow(table.Row{d.Name, d.Queue, d.MaxRetries, d.Description})
			}
			t.Render()
			return nil
		},
	}
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var rawArgs string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run one registered task synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			var args any
			if s := strings.TrimSpace(rawArgs); s != "" {
				if !json.Valid([]byte(s)) {
					return errors.New("--args must be valid JSON")
				}
				args = json.RawMessage(s)
			}

			a, err := app.New(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := a.StartWorkers(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			start := time.Now()
			runErr := a.Queue().Run(ctx, argv[0], args)
			took := time.Since(start)

			// Drain follow-up tasks (emails, alerts) the run enqueued.
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, app.StopCommand)

			renderRun(cmd.OutOrStdout(), argv[0], took, runErr)
			return runErr
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "task arguments as a JSON value")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "upper bound for the run")
	return cmd
}

func renderRun(w io.Writer, task string, took time.Duration, err error) {
	status, detail := "ok", ""
	if err != nil {
		status, detail = "failed", err.Error()
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Task", "Status", "Took", "Error"})
	t.AppendRow(table.Row{task, status, took.Round(time.Millisecond), detail})
	t.Render()
}
