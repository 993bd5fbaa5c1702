// Package push delivers best-effort background notifications, used to wake a
// callee whose client is not connected to signaling.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Note is one notification payload.
type Note struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type Dispatcher interface {
	Notify(ctx context.Context, userID string, note Note) error
}

// Send dispatches fire-and-forget: failures are logged, never propagated. A
// nil dispatcher is a no-op.
func Send(ctx context.Context, d Dispatcher, logger *slog.Logger, userID string, note Note) {
	if d == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := d.Notify(ctx, userID, note); err != nil {
			logger.Warn("push notification failed", "user_id", userID, "err", err)
		}
	}()
}

// HTTPDispatcher POSTs notifications as JSON to a dispatch endpoint.
type HTTPDispatcher struct {
	URL    string
	APIKey string

	// Client defaults to a client with a 10s timeout.
	Client *http.Client
}

var _ Dispatcher = (*HTTPDispatcher)(nil)

type httpPayload struct {
	UserID string `json:"userId"`
	Note
}

func (d *HTTPDispatcher) Notify(ctx context.Context, userID string, note Note) error {
	body, err := json.Marshal(httpPayload{UserID: userID, Note: note})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.APIKey)
	}

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push endpoint returned %s", resp.Status)
	}
	return nil
}
