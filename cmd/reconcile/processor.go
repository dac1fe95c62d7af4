package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/reconcile/internal/api"
	"github.com/hyperengineering/reconcile/internal/idempotency"
	"github.com/hyperengineering/reconcile/internal/queue"
	"github.com/hyperengineering/reconcile/internal/types"
)

// syncPayload is the body posted to the backend for one queue item.
type syncPayload struct {
	Operation string       `json:"operation"`
	Data      types.Record `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

// newHTTPProcessor returns a queue processor that POSTs each item to
// <backendURL>/sync/<entity>. The request id travels in the
// Idempotency-Key header and is stripped from the body.
func newHTTPProcessor(client *http.Client, backendURL string) queue.Processor {
	base := strings.TrimRight(backendURL, "/")
	return func(ctx context.Context, item types.QueueItem) error {
		body, err := json.Marshal(syncPayload{
			Operation: item.Operation,
			Data:      idempotency.RemoveIdempotencyKey(item.Data),
			Timestamp: item.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("marshal sync payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			base+"/sync/"+url.PathEscape(item.Entity), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build sync request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		requestID := item.RequestID
		if key, ok := idempotency.ExtractIdempotencyKey(item.Data); ok {
			requestID = key
		}
		if requestID != "" {
			req.Header.Set(api.IdempotencyKeyHeader, requestID)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("send sync request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusMultipleChoices {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
}
