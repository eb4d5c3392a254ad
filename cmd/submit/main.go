// Submit is a small CLI for triggering backfill runs against the API,
// one run per day in the requested range when -daily is set.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type submitRequest struct {
	AccountID string `json:"account_id"`
	EventType string `json:"event_type"`
	DateFrom  string `json:"date_from"`
	DateTo    string `json:"date_to"`
}

type submitResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	apiURL := flag.String("api", "http://localhost:8080", "API base URL")
	accountID := flag.String("account", "", "Account ID (required)")
	eventType := flag.String("type", "", "Event type (required)")
	dateFrom := flag.String("from", "", "Start date, YYYY-MM-DD (required)")
	dateTo := flag.String("to", "", "End date, YYYY-MM-DD (required)")
	daily := flag.Bool("daily", false, "Submit one run per day instead of one run for the whole range")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	if *accountID == "" || *eventType == "" || *dateFrom == "" || *dateTo == "" {
		flag.Usage()
		os.Exit(2)
	}

	from, err := time.Parse(time.DateOnly, *dateFrom)
	if err != nil {
		logger.Error("invalid -from date", "error", err)
		os.Exit(2)
	}
	to, err := time.Parse(time.DateOnly, *dateTo)
	if err != nil {
		logger.Error("invalid -to date", "error", err)
		os.Exit(2)
	}
	if from.After(to) {
		logger.Error("-from must not be after -to")
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}
	ctx := context.Background()

	var ranges [][2]time.Time
	if *daily {
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			ranges = append(ranges, [2]time.Time{d, d})
		}
	} else {
		ranges = [][2]time.Time{{from, to}}
	}

	failures := 0
	for _, r := range ranges {
		requestID, err := submit(ctx, client, *apiURL, submitRequest{
			AccountID: *accountID,
			EventType: *eventType,
			DateFrom:  r[0].Format(time.DateOnly),
			DateTo:    r[1].Format(time.DateOnly),
		})
		if err != nil {
			logger.Error("submission failed",
				"error", err,
				"date_from", r[0].Format(time.DateOnly),
				"date_to", r[1].Format(time.DateOnly),
			)
			failures++
			continue
		}
		fmt.Println(requestID)
	}

	if failures > 0 {
		os.Exit(1)
	}
}

func submit(ctx context.Context, client *http.Client, baseURL string, req submitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("API returned %d: %s (%s)", resp.StatusCode, parsed.Error, parsed.Message)
	}
	return parsed.RequestID, nil
}
