package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/txpipe/service/db"
	"github.com/brojonat/txpipe/service/pipeline"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:    "history",
		Aliases: []string{"ls"},
		Usage:   "List archived terminal requests, most recent first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (confirmed, failed)",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Filter by source tag",
			},
			&cli.DurationFlag{
				Name:  "since",
				Usage: "Only requests completed within this window (e.g. 24h)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of requests",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Skip this many requests",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter that must evaluate to true (can be specified multiple times, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			params, err := historyParams(c, time.Now())
			if err != nil {
				return err
			}
			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			reqs, err := store.ListRequests(c.Context, params)
			if err != nil {
				return fmt.Errorf("failed to list requests: %w", err)
			}

			filtered := make([]*pipeline.TransactionRequest, 0, len(reqs))
			for _, req := range reqs {
				ok, err := matchJQ(codes, req)
				if err != nil {
					return fmt.Errorf("jq filter failed on %s: %w", req.ID, err)
				}
				if ok {
					filtered = append(filtered, req)
				}
			}

			if c.Bool("json") {
				return outputJSON(filtered)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tPRIORITY\tSTATUS\tRETRIES\tCOMPLETED\tRESULT")
			for _, req := range filtered {
				completed := "-"
				if req.CompletedAt != nil {
					completed = req.CompletedAt.Format(time.RFC3339)
				}
				result := req.Result
				if req.Status == pipeline.StatusFailed {
					result = req.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					req.ID,
					req.Kind,
					req.Priority,
					req.Status,
					req.RetryCount,
					req.MaxRetries,
					completed,
					result,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d requests\n", len(filtered))
			return nil
		},
	}
}

// historyParams turns history flags into archive query parameters.
func historyParams(c *cli.Context, now time.Time) (db.ListRequestsParams, error) {
	params := db.ListRequestsParams{
		Source: c.String("source"),
		Limit:  int32(c.Int("limit")),
		Offset: int32(c.Int("offset")),
	}
	if s := c.String("status"); s != "" {
		status, err := pipeline.ParseStatus(s)
		if err != nil {
			return params, err
		}
		params.Status = status
	}
	if d := c.Duration("since"); d > 0 {
		since := now.Add(-d)
		params.Since = &since
	}
	if params.Limit <= 0 || params.Limit > 1000 {
		return params, fmt.Errorf("--limit must be between 1 and 1000")
	}
	if params.Offset < 0 {
		return params, fmt.Errorf("--offset must not be negative")
	}
	return params, nil
}

func countsCommand() *cli.Command {
	return &cli.Command{
		Name:  "counts",
		Usage: "Count archived requests by status",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			counts, err := store.CountByStatus(c.Context)
			if err != nil {
				return fmt.Errorf("failed to count requests: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(counts)
			}

			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%d\n", s, counts[pipeline.Status(s)])
			}
			w.Flush()
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the archive schema if it does not exist",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Printf("✓ Archive schema is up to date\n")
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := db.Connect(context.Background(), dbURL)
	if err != nil {
		return nil, nil, err
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}
