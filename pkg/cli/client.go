package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/commune/pkg/httputil"
	"github.com/platinummonkey/commune/pkg/middleware"
)

// Client calls the commune operator API
type Client struct {
	baseURL string
	actor   string
	http    *http.Client
}

// NewClient creates a client for the API rooted at baseURL
func NewClient(baseURL, actor string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		actor:   actor,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the API
type APIError struct {
	Status int
	httputil.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("%s (%s, status %d)", e.ErrorResponse.Error, e.Code, e.Status)
}

// Do sends the request and returns the raw response body.
// body is JSON encoded when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/v1"+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(middleware.ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, &apiErr.ErrorResponse)
		return nil, apiErr
	}
	return data, nil
}

// printJSON re-indents a JSON document for the terminal
func printJSON(out io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = out.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}
