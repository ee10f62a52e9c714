// Package responder calls the external service that turns an inbound
// message into a reply.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/gabrielBielll/zapflow/internal/logging"
)

// Request is the payload posted to the responder endpoint.
type Request struct {
	Body      string `json:"body"`
	From      string `json:"from"`
	ChannelID string `json:"channel_id"`
}

type response struct {
	Response string `json:"response"`
}

// Client posts inbound messages to the responder and returns its reply
// text. The HTTP layer retries transient failures; the overall call is
// bounded by the configured timeout.
type Client struct {
	url  string
	http *retryablehttp.Client
	log  *logging.Logger
}

func New(url string, timeout time.Duration, log *logging.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return &Client{url: url, http: rc, log: log.Sub("responder")}
}

// Respond sends the message and returns the generated reply.
func (c *Client) Respond(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding responder request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building responder request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling responder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("responder returned %d: %s", resp.StatusCode, string(body))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding responder reply: %w", err)
	}
	return out.Response, nil
}
