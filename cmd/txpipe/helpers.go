package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/txpipe/client"
)

// cliLogger only reports errors so command output stays readable.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set TXPIPE_SERVER_URL env var or use --server-url)")
	}
	return client.NewClient(strings.TrimRight(serverURL, "/"), nil, cliLogger()), nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// requestFlags are shared by every command that creates a request.
func requestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "priority",
			Aliases: []string{"p"},
			Usage:   "Priority: critical, high, normal or low",
			Value:   "normal",
		},
		&cli.IntFlag{
			Name:  "max-retries",
			Usage: "Retry budget (default: server configured)",
			Value: -1,
		},
		&cli.StringFlag{
			Name:  "id",
			Usage: "Request id (default: generated by the server)",
		},
		&cli.StringFlag{
			Name:  "source",
			Usage: "Free-form origin tag recorded with the request",
			Value: "cli",
		},
	}
}

func transferFlags() []cli.Flag {
	return append(requestFlags(),
		&cli.StringFlag{
			Name:     "to",
			Usage:    "Destination wallet address",
			Required: true,
		},
		&cli.Uint64Flag{
			Name:     "lamports",
			Usage:    "Amount in lamports",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "memo",
			Usage: "Optional memo attached to the transfer",
		},
	)
}

// transferRequest builds a transfer submission from transferFlags.
func transferRequest(c *cli.Context) (client.SubmitRequest, error) {
	if c.Uint64("lamports") == 0 {
		return client.SubmitRequest{}, fmt.Errorf("--lamports must be positive")
	}
	req := baseRequest(c, "transfer")
	req.Transfer = &client.Transfer{
		To:       c.String("to"),
		Lamports: c.Uint64("lamports"),
		Memo:     c.String("memo"),
	}
	return req, nil
}

func swapFlags() []cli.Flag {
	return append(requestFlags(),
		&cli.StringFlag{
			Name:  "transaction",
			Usage: "Base64 unsigned swap transaction from the aggregator",
		},
		&cli.PathFlag{
			Name:  "file",
			Usage: "Read the base64 swap transaction from a file ('-' for stdin)",
		},
		&cli.StringFlag{
			Name:  "input-mint",
			Usage: "Mint being sold",
		},
		&cli.StringFlag{
			Name:  "output-mint",
			Usage: "Mint being bought",
		},
		&cli.Uint64Flag{
			Name:  "amount-in",
			Usage: "Input amount in base units",
		},
		&cli.Uint64Flag{
			Name:  "min-amount-out",
			Usage: "Minimum acceptable output in base units",
		},
	)
}

// swapRequest builds a swap submission from swapFlags.
func swapRequest(c *cli.Context) (client.SubmitRequest, error) {
	encoded := c.String("transaction")
	if path := c.Path("file"); path != "" {
		var data []byte
		var err error
		if path == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return client.SubmitRequest{}, fmt.Errorf("failed to read swap transaction: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
	}
	if encoded == "" {
		return client.SubmitRequest{}, fmt.Errorf("must specify --transaction or --file")
	}

	req := baseRequest(c, "swap")
	req.Swap = &client.Swap{
		Transaction:  encoded,
		InputMint:    c.String("input-mint"),
		OutputMint:   c.String("output-mint"),
		AmountIn:     c.Uint64("amount-in"),
		MinAmountOut: c.Uint64("min-amount-out"),
	}
	return req, nil
}

func baseRequest(c *cli.Context, kind string) client.SubmitRequest {
	req := client.SubmitRequest{
		ID:       c.String("id"),
		Kind:     kind,
		Priority: c.String("priority"),
		Source:   c.String("source"),
	}
	if n := c.Int("max-retries"); n >= 0 {
		req.MaxRetries = &n
	}
	return req
}

// compileJQ compiles every filter up front so a typo fails before any request
// is made.
func compileJQ(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchJQ reports whether every filter yields a truthy first result for v.
// v is round-tripped through JSON so filters see the wire field names.
func matchJQ(codes []*gojq.Code, v any) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}

	for _, code := range codes {
		iter := code.Run(doc)
		result, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := result.(error); isErr {
			return false, err
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
