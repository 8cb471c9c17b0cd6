package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	natspkg "github.com/brojonat/txpipe/service/nats"
	"github.com/brojonat/txpipe/service/pipeline"
)

// subscribeCommand follows lifecycle events straight from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to lifecycle events on NATS JetStream",
		Description: `Events are published to txpipe.events.<type> where type is one of
enqueued, submitted, retried, confirmed, failed or evicted.

Example:
  txpipe events subscribe --type failed --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "Only events of this type (default: all)",
			},
			&cli.StringFlag{
				Name:  "request-id",
				Usage: "Only events for this request",
			},
			&cli.BoolFlag{
				Name:  "until-terminal",
				Usage: "Exit after the first confirmed or failed event",
			},
		},
		Action: func(c *cli.Context) error {
			subject, err := eventSubject(c.String("type"))
			if err != nil {
				return err
			}

			sub, err := natspkg.NewSubscriber(c.String("nats-url"), cliLogger())
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			events, err := sub.Subscribe(ctx, subject)
			if err != nil {
				return err
			}

			jsonOutput := c.Bool("json")
			requestID := c.String("request-id")
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Subscribed to %s (Ctrl+C to stop)\n\n", subject)
			}

			for event := range events {
				if requestID != "" && event.RequestID != requestID {
					continue
				}
				if err := printEvent(os.Stdout, event, jsonOutput); err != nil {
					return err
				}
				if c.Bool("until-terminal") && event.Terminal() {
					return nil
				}
			}
			return nil
		},
	}
}

// streamCommand follows lifecycle events through the server's SSE endpoint,
// which works without direct NATS access.
func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Stream lifecycle events via SSE (HTTP)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "Only events of this type (default: all)",
			},
			&cli.StringFlag{
				Name:  "request-id",
				Usage: "Only events for this request",
			},
		},
		Action: func(c *cli.Context) error {
			if _, err := eventSubject(c.String("type")); err != nil {
				return err
			}

			q := url.Values{}
			if t := c.String("type"); t != "" {
				q.Set("type", t)
			}
			if id := c.String("request-id"); id != "" {
				q.Set("request_id", id)
			}
			streamURL := strings.TrimRight(c.String("server-url"), "/") + "/api/v1/stream/events"
			if len(q) > 0 {
				streamURL += "?" + q.Encode()
			}

			ctx, cancel := signalContext(c.Context)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			resp, err := (&http.Client{Timeout: 0}).Do(req) // No timeout for streaming
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			err = readSSE(resp.Body, func(eventType, data string) error {
				return handleSSEEvent(os.Stdout, eventType, data, c.Bool("json"))
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("error reading SSE stream: %w", err)
			}
			return nil
		},
	}
}

// eventSubject validates an event type filter and returns its subject.
func eventSubject(eventType string) (string, error) {
	if eventType == "" {
		return natspkg.SubjectAll, nil
	}
	t := pipeline.EventType(eventType)
	switch t {
	case pipeline.EventEnqueued, pipeline.EventSubmitted, pipeline.EventRetried,
		pipeline.EventConfirmed, pipeline.EventFailed, pipeline.EventEvicted:
		return natspkg.Subject(t), nil
	}
	return "", fmt.Errorf("unknown event type %q", eventType)
}

// readSSE calls fn for each complete event in r until r ends.
func readSSE(r io.Reader, fn func(eventType, data string) error) error {
	scanner := bufio.NewScanner(r)
	var currentEvent, currentData string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent != "" && currentData != "" {
				if err := fn(currentEvent, currentData); err != nil {
					return err
				}
			}
			currentEvent = ""
			currentData = ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return scanner.Err()
}

func handleSSEEvent(w io.Writer, eventType, data string, jsonOutput bool) error {
	switch eventType {
	case "connected":
		if !jsonOutput {
			var info struct {
				Subject string `json:"subject"`
			}
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ Subscribed to %s\n\n", info.Subject)
		}
		return nil

	case "error":
		var errInfo map[string]interface{}
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return err
		}
		return fmt.Errorf("server error: %v", errInfo["error"])
	}

	var event natspkg.RequestEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}
	return printEvent(w, &event, jsonOutput)
}

func printEvent(w io.Writer, event *natspkg.RequestEvent, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	line := fmt.Sprintf("%s  %-9s  %s  %s/%s  retries=%d/%d",
		event.OccurredAt.Format(time.RFC3339),
		event.Type,
		event.RequestID,
		event.Kind,
		event.Priority,
		event.RetryCount,
		event.MaxRetries,
	)
	if event.Signature != "" {
		line += "  sig=" + event.Signature
	}
	if event.Error != "" {
		line += "  error=" + event.Error
	}
	if event.Reason != "" {
		line += "  reason=" + event.Reason
	}
	fmt.Fprintln(w, line)
	return nil
}

// signalContext is cancelled on interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
