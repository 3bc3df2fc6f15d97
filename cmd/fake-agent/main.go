// ABOUTME: Fake agent for manual and E2E testing: drives one run through the lifecycle
// ABOUTME: Usage: fake-agent -token TOKEN -user alice [-addr http://localhost:8080] [-tools 2]

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/netra-gateway/internal/tracectx"
)

type step struct {
	event   string
	payload map[string]any
}

type publishResult struct {
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason"`
	Seq       uint64 `json:"seq"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "gateway base URL")
	token := flag.String("token", os.Getenv("NETRA_TOKEN"), "bearer token with events:publish")
	userID := flag.String("user", "", "user whose connection receives the events")
	threadID := flag.String("thread", "", "thread id carried in the trace context")
	runID := flag.String("run", "", "run id (generated when empty)")
	tools := flag.Int("tools", 2, "number of tool calls to simulate")
	delay := flag.Duration("delay", 250*time.Millisecond, "pause between events")
	fail := flag.Bool("fail", false, "end the run with agent_error instead of agent_completed")
	flag.Parse()

	if *userID == "" || *token == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *runID == "" {
		*runID = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	tc := tracectx.New(*userID, *threadID, "")
	if err := run(ctx, strings.TrimRight(*addr, "/"), *token, *userID, *runID, tc, lifecycle(*tools, *fail), *delay); err != nil {
		log.Fatal(err)
	}
}

func lifecycle(tools int, fail bool) []step {
	steps := []step{
		{event: "agent_started", payload: map[string]any{"agent": "fake-agent"}},
		{event: "agent_thinking", payload: map[string]any{"text": "Planning the next step"}},
	}
	for i := range tools {
		name := fmt.Sprintf("tool_%d", i+1)
		steps = append(steps,
			step{event: "tool_executing", payload: map[string]any{"tool": name}},
			step{event: "tool_completed", payload: map[string]any{"tool": name, "ok": true}},
			step{event: "agent_thinking", payload: map[string]any{"text": "Reading " + name + " output"}},
		)
	}
	if fail {
		return append(steps, step{event: "agent_error", payload: map[string]any{"error": "simulated failure"}})
	}
	return append(steps, step{event: "agent_completed", payload: map[string]any{"text": "Done."}})
}

func run(ctx context.Context, addr, token, userID, runID string, tc *tracectx.TraceContext, steps []step, delay time.Duration) error {
	client := &http.Client{Timeout: 10 * time.Second}
	log.Printf("run %s for %s (trace %s)", runID, userID, tc.TraceID())

	for i, s := range steps {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		span := tc.StartSpan("fake-agent."+s.event, map[string]string{"run_id": runID})
		res, err := publish(ctx, client, addr, token, tc, map[string]any{
			"user_id": userID,
			"run_id":  runID,
			"event":   s.event,
			"payload": s.payload,
		})
		tc.FinishSpan(span)
		if err != nil {
			return fmt.Errorf("publishing %s: %w", s.event, err)
		}
		log.Printf("%-16s seq=%d delivered=%t reason=%s", s.event, res.Seq, res.Delivered, res.Reason)
	}
	return nil
}

func publish(ctx context.Context, client *http.Client, addr, token string, tc *tracectx.TraceContext, body map[string]any) (*publishResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/api/v1/events", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	tc.ToHeaders().Apply(req.Header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
	}

	var res publishResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &res, nil
}
