package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/txpipe/service/temporal"
)

func temporalSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Submit a transfer through a durable workflow",
		Description: `Starts SubmitTransactionWorkflow on the txpipe worker. The workflow enqueues
the request with the server and polls it until it is confirmed or failed,
surviving worker and CLI restarts.

Example:
  txpipe temporal submit --to 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin --lamports 5000 --wait`,
		Flags: append(transferFlags(),
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often the workflow checks the request",
				Value: temporal.DefaultPollInterval,
			},
			&cli.DurationFlag{
				Name:  "await-timeout",
				Usage: "How long the workflow waits for a terminal status",
				Value: temporal.DefaultAwaitTimeout,
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Block until the workflow completes",
			},
		),
		Action: func(c *cli.Context) error {
			req, err := transferRequest(c)
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			workflowID, runID, err := tc.StartSubmitWorkflow(c.Context, temporal.SubmitTransactionInput{
				Request:      req,
				PollInterval: c.Duration("poll-interval"),
				AwaitTimeout: c.Duration("await-timeout"),
			})
			if err != nil {
				return err
			}

			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(map[string]string{"workflow_id": workflowID, "run_id": runID})
				}
				fmt.Printf("✓ Workflow started\n")
				fmt.Printf("  Workflow ID: %s\n", workflowID)
				fmt.Printf("  Run ID:      %s\n", runID)
				return nil
			}

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Workflow %s started, waiting for result...\n", workflowID)
			}
			return reportWorkflowResult(c, tc, workflowID, runID)
		},
	}
}

func temporalResultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Wait for a submit workflow and print its result",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Specific run (default: latest)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow id")
			}
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			return reportWorkflowResult(c, tc, c.Args().First(), c.String("run-id"))
		},
	}
}

func reportWorkflowResult(c *cli.Context, tc *temporal.Client, workflowID, runID string) error {
	result, err := tc.GetSubmitResult(c.Context, workflowID, runID)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return outputJSON(result)
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Workflow:    %s\n", workflowID)
	fmt.Printf("Request:     %s\n", result.RequestID)
	fmt.Printf("Status:      %s\n", result.Status)
	fmt.Printf("Priority:    %s\n", result.Priority)
	fmt.Printf("Retries:     %d\n", result.RetryCount)
	fmt.Printf("Polls:       %d\n", result.Polls)
	fmt.Printf("Duration:    %v\n", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	if result.Signature != "" {
		fmt.Printf("Signature:   %s\n", result.Signature)
	}
	if result.Error != "" {
		fmt.Printf("Error:       %s\n", result.Error)
	}
	if result.TimedOut {
		fmt.Printf("Note:        gave up waiting; the request may still complete\n")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	return nil
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		cliLogger(),
	)
}
