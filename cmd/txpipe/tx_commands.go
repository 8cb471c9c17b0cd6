package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/txpipe/client"
)

func txCommands() *cli.Command {
	return &cli.Command{
		Name:  "tx",
		Usage: "Submit and inspect transaction requests over the HTTP API",
		Subcommands: []*cli.Command{
			submitTransferCommand(),
			submitSwapCommand(),
			statusCommand(),
			listCommand(),
			awaitCommand(),
		},
	}
}

func waitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "wait",
			Aliases: []string{"w"},
			Usage:   "Block until the request is confirmed or failed",
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Usage:   "How long to wait with --wait",
			Value:   2 * time.Minute,
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "Status poll interval with --wait",
			Value: time.Second,
		},
	}
}

func submitTransferCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit-transfer",
		Usage: "Submit a native SOL transfer",
		Description: `Example:
  txpipe tx submit-transfer --to 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin --lamports 5000 --priority high --wait`,
		Flags: append(transferFlags(), waitFlags()...),
		Action: func(c *cli.Context) error {
			req, err := transferRequest(c)
			if err != nil {
				return err
			}
			return submitAndReport(c, req)
		},
	}
}

func submitSwapCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit-swap",
		Usage: "Submit an aggregator-built swap transaction",
		Description: `The transaction must be an unsigned, base64 encoded transaction paid by
the service wallet. Its blockhash is replaced on every attempt.

Example:
  curl -s "$QUOTE_API/swap" ... | jq -r .swapTransaction | txpipe tx submit-swap --file - --priority critical`,
		Flags: append(swapFlags(), waitFlags()...),
		Action: func(c *cli.Context) error {
			req, err := swapRequest(c)
			if err != nil {
				return err
			}
			return submitAndReport(c, req)
		},
	}
}

func submitAndReport(c *cli.Context, req client.SubmitRequest) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}

	txn, err := cl.Submit(c.Context, req)
	if err != nil {
		return fmt.Errorf("failed to submit transaction: %w", err)
	}

	if !c.Bool("wait") {
		if c.Bool("json") {
			return outputJSON(txn)
		}
		fmt.Printf("✓ Request %s enqueued (priority: %s)\n", txn.ID, txn.Priority)
		return nil
	}

	if !c.Bool("json") {
		fmt.Fprintf(os.Stderr, "Request %s enqueued, waiting up to %v...\n", txn.ID, c.Duration("timeout"))
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	final, err := cl.Await(ctx, txn.ID, c.Duration("interval"), nil)
	if err != nil {
		return fmt.Errorf("failed to await transaction: %w", err)
	}
	if c.Bool("json") {
		return outputJSON(final)
	}
	printTransactionDetailed(final)
	if final.Status == "failed" {
		return fmt.Errorf("transaction %s failed: %s", final.ID, final.Error)
	}
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Aliases:   []string{"get"},
		Usage:     "Show the current state of a request",
		ArgsUsage: "<request-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: request id")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			txn, err := cl.Get(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(txn)
			}
			printTransactionDetailed(txn)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List requests by lifecycle stage",
		Description: `Stages: pending (queued), in_flight, completed (recent history) and archived
(database, requires the server to have DATABASE_URL).

Example:
  txpipe tx list --state completed --jq '.retry_count > 0' --jq '.priority == "high"'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "state",
				Usage: "pending, in_flight, completed or archived",
				Value: "completed",
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, in_flight, confirmed, failed)",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Filter by source tag",
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
			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			txns, err := cl.List(c.Context, client.ListOptions{
				State:  c.String("state"),
				Status: c.String("status"),
				Source: c.String("source"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			filtered := make([]*client.Transaction, 0, len(txns))
			for _, txn := range txns {
				ok, err := matchJQ(codes, txn)
				if err != nil {
					return fmt.Errorf("jq filter failed on %s: %w", txn.ID, err)
				}
				if ok {
					filtered = append(filtered, txn)
				}
			}

			if c.Bool("json") {
				return outputJSON(filtered)
			}
			printTransactionTable(filtered)
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(filtered))
			return nil
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a request reaches a terminal status or matches jq filters",
		ArgsUsage: "<request-id>",
		Description: `Example:
  txpipe tx await 3b7c... --jq '.status == "in_flight"'`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "How long to wait",
				Value:   5 * time.Minute,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Status poll interval",
				Value: time.Second,
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter that must evaluate to true instead of waiting for a terminal status",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: request id")
			}
			id := c.Args().First()

			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			var matcher func(*client.Transaction) bool
			if len(codes) > 0 {
				matcher = func(txn *client.Transaction) bool {
					ok, err := matchJQ(codes, txn)
					return err == nil && ok
				}
			}

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Waiting for request %s (timeout %v)...\n", id, c.Duration("timeout"))
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			txn, err := cl.Await(ctx, id, c.Duration("interval"), matcher)
			if err != nil {
				return fmt.Errorf("failed to await transaction: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(txn)
			}
			printTransactionDetailed(txn)
			return nil
		},
	}
}

func printTransactionTable(txns []*client.Transaction) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPRIORITY\tSTATUS\tRETRIES\tCREATED\tRESULT")
	for _, txn := range txns {
		result := txn.Result
		if txn.Status == "failed" {
			result = txn.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			txn.ID,
			txn.Kind,
			txn.Priority,
			txn.Status,
			txn.RetryCount,
			txn.MaxRetries,
			txn.CreatedAt.Format(time.RFC3339),
			result,
		)
	}
	w.Flush()
}

func printTransactionDetailed(txn *client.Transaction) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("ID:          %s\n", txn.ID)
	fmt.Printf("Kind:        %s\n", txn.Kind)
	fmt.Printf("Priority:    %s\n", txn.Priority)
	fmt.Printf("Status:      %s\n", txn.Status)
	fmt.Printf("Retries:     %d/%d\n", txn.RetryCount, txn.MaxRetries)

	switch {
	case txn.Transfer != nil:
		fmt.Printf("To:          %s\n", txn.Transfer.To)
		fmt.Printf("Amount:      %.9f SOL\n", float64(txn.Transfer.Lamports)/1e9)
		if txn.Transfer.Memo != "" {
			fmt.Printf("Memo:        %s\n", txn.Transfer.Memo)
		}
	case txn.Swap != nil:
		fmt.Printf("Swap:        %s -> %s\n", txn.Swap.InputMint, txn.Swap.OutputMint)
		fmt.Printf("Amount In:   %d\n", txn.Swap.AmountIn)
	}

	if txn.Source != "" {
		fmt.Printf("Source:      %s\n", txn.Source)
	}
	fmt.Printf("Created:     %s\n", txn.CreatedAt.Format(time.RFC3339))
	if txn.LastAttemptAt != nil {
		fmt.Printf("Last Try:    %s\n", txn.LastAttemptAt.Format(time.RFC3339))
	}
	if txn.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", txn.CompletedAt.Format(time.RFC3339))
	}
	if txn.Result != "" {
		fmt.Printf("Signature:   %s\n", txn.Result)
	}
	if txn.Error != "" {
		fmt.Printf("Error:       %s\n", txn.Error)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
