package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zuolabs/trellis-runner/pkg/models"
)

// ErrDispatchFailed means the continuation could not be scheduled. There is
// no automatic retry: a failed dispatch requires a manual re-trigger.
var ErrDispatchFailed = errors.New("workflow dispatch failed")

// Inputs is the workflow input payload. Confirm is always "yes" so the
// successor run is unattended; AutoContinue carries the original flag.
type Inputs struct {
	Confirm      string `json:"confirm"`
	AutoContinue string `json:"auto_continue"`
}

type dispatchRequest struct {
	Ref    string `json:"ref"`
	Inputs Inputs `json:"inputs"`
}

// Client schedules follow-up runs through the workflow dispatch API.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a dispatch client for a fixed workflow endpoint,
// authenticated with a bearer token.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient overrides the HTTP client (used in tests).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Dispatch issues exactly one request to schedule the successor run.
func (c *Client) Dispatch(ctx context.Context, ref string, autoContinue bool) error {
	if c.endpoint == "" {
		return fmt.Errorf("%w: no dispatch endpoint configured", ErrDispatchFailed)
	}

	body, err := json.Marshal(dispatchRequest{
		Ref: ref,
		Inputs: Inputs{
			Confirm:      "yes",
			AutoContinue: models.FlagString(autoContinue),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrDispatchFailed, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
