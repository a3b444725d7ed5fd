package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// postJSON sends payload as a JSON POST and classifies the response
func postJSON(ctx context.Context, client *http.Client, channel, url string, headers map[string]string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Channel: channel, Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return &DeliveryError{Channel: channel, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, channel, req)
}

// do executes req. Network failures, timeouts, 429 and 5xx are transient;
// any other status of 400 and above is a permanent failure.
func do(client *http.Client, channel string, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return &DeliveryError{
			Channel:   channel,
			Transient: !errors.Is(err, context.Canceled),
			Err:       fmt.Errorf("failed to send request: %w", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &DeliveryError{
		Channel:    channel,
		StatusCode: resp.StatusCode,
		Transient:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Err:        fmt.Errorf("provider error: %s", strings.TrimSpace(string(body))),
	}
}
