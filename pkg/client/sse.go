package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/pkg/protocol"
	"github.com/estrada-diego/myCloud/pkg/retry"
)

// Watch streams tree change events to fn until ctx is done, reconnecting
// with backoff when the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(protocol.SSEEvent)) error {
	stream := &http.Client{Transport: c.httpClient.Transport}
	backoff := retry.Config{InitialWait: time.Second, MaxWait: 30 * time.Second, Multiplier: 2}

	attempt := 0
	for {
		err := c.watchOnce(ctx, stream, fn)
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		if err == errStreamEnded {
			attempt = 1
		}
		wait := retry.Backoff(backoff, attempt)
		logging.Warn("event stream lost; reconnecting", zap.Error(err), zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

var errStreamEnded = errors.New("event stream closed")

// watchOnce reads one connection. It returns errStreamEnded when an
// established stream ends.
func (c *Client) watchOnce(ctx context.Context, stream *http.Client, fn func(protocol.SSEEvent)) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := stream.Do(req)
	if err != nil {
		c.setOnline(false)
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	c.setOnline(true)

	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				var ev protocol.SSEEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					if ev.Type == "" {
						ev.Type = eventType
					}
					fn(ev)
				}
			}
			eventType, data = "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read: %w", err)
	}
	return errStreamEnded
}
