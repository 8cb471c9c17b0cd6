package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/txpipe/client"
)

func queueStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show queue depth, in-flight requests and history counts",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			stats, err := cl.QueueStats(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get queue stats: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(stats)
			}
			printQueueStats(stats)
			return nil
		},
	}
}

func dispatcherStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Resume submitting queued requests",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			stats, err := cl.StartDispatcher(c.Context)
			if err != nil {
				return fmt.Errorf("failed to start dispatcher: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(stats)
			}
			fmt.Printf("✓ Dispatcher running (%d queued)\n", stats.QueueSize)
			return nil
		},
	}
}

func dispatcherStopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Pause submission after in-flight requests finish",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			stats, err := cl.StopDispatcher(c.Context)
			if err != nil {
				return fmt.Errorf("failed to stop dispatcher: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(stats)
			}
			fmt.Printf("✓ Dispatcher stopped (%d queued, %d in flight)\n", stats.QueueSize, stats.InFlight)
			return nil
		},
	}
}

func printQueueStats(stats *client.QueueStats) {
	state := "stopped"
	if stats.Running {
		state = "running"
	}
	fmt.Printf("Dispatcher:  %s\n", state)
	fmt.Printf("Queue:       %d/%d\n", stats.QueueSize, stats.QueueCapacity)
	fmt.Printf("In Flight:   %d/%d\n", stats.InFlight, stats.MaxConcurrent)
	fmt.Printf("History:     %d/%d\n", stats.HistorySize, stats.HistoryLimit)
	if stats.BackoffUntil != nil && stats.BackoffUntil.After(time.Now()) {
		fmt.Printf("Backoff:     until %s\n", stats.BackoffUntil.Format(time.RFC3339))
	}
	if stats.EventsDropped > 0 {
		fmt.Printf("Dropped:     %d events\n", stats.EventsDropped)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nPRIORITY\tQUEUED")
	for _, p := range []string{"critical", "high", "normal", "low"} {
		fmt.Fprintf(w, "%s\t%d\n", p, stats.QueueByPriority[p])
	}
	w.Flush()

	if len(stats.HistoryByStatus) > 0 {
		statuses := make([]string, 0, len(stats.HistoryByStatus))
		for s := range stats.HistoryByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)

		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nSTATUS\tCOMPLETED")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%d\n", s, stats.HistoryByStatus[s])
		}
		w.Flush()
	}
}
