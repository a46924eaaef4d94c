package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/repairtrack/engine/internal/config"
	"github.com/repairtrack/engine/internal/elapsed"
	"github.com/repairtrack/engine/internal/history"
	"github.com/repairtrack/engine/internal/store"
	"github.com/repairtrack/engine/internal/workflow"
)

func seedCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "seed-templates",
		Usage:     "Load problem templates from a YAML file",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				path = cfg.TemplatesFile
			}
			if path == "" {
				return fmt.Errorf("a templates file is required")
			}

			db, err := store.NewDB(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			n, err := (&store.TemplateRepo{}).Seed(ctx, db, path)
			if err != nil {
				return err
			}
			fmt.Printf("loaded %d templates from %s\n", n, path)
			return nil
		},
	}
}

func historyCommand(cfg *config.Config) *cli.Command {
	var state, query string
	return &cli.Command{
		Name:      "history",
		Usage:     "Print a job's status history, newest first",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "state", Usage: "only show entries in this state", Destination: &state},
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "search notes and actors", Destination: &query},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			jobID := c.Args().First()
			if jobID == "" {
				return fmt.Errorf("a job id is required")
			}

			db, err := store.NewDB(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			transitions, err := (&store.TransitionRepo{}).ListByJob(ctx, db, jobID)
			if err != nil {
				return err
			}
			annotations, err := (&store.AnnotationRepo{}).ListByJob(ctx, db, jobID)
			if err != nil {
				return err
			}

			catalog := workflow.DefaultCatalog()
			entries := history.NewReconstructor(catalog).Merge(transitions, annotations)
			filter := history.Filter{Query: query}
			if state != "" {
				s, err := catalog.ParseState(state)
				if err != nil {
					return err
				}
				filter.State = s
			}

			now := time.Now()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tSTATE\tFOR\tBY\tNOTE")
			for _, e := range filter.Apply(entries) {
				dur := "-"
				if e.DurationSinceEntry != nil {
					dur = elapsed.Format(*e.DurationSinceEntry)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					elapsed.Relative(e.OccurredAt, now), workflow.Label(e.State), dur, e.ActorName, e.Note)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if n := history.Ambiguous(entries); n > 0 {
				fmt.Printf("\n%d entries could not be matched to a status change\n", n)
			}
			return nil
		},
	}
}
