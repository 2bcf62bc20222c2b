package robotclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls a model server that annotates one document per request.
type Client struct {
	BaseURL string
	Token   string

	HTTPClient *http.Client
}

// Request is the document payload sent to a model server.
type Request struct {
	DocumentID string                                `json:"documentId"`
	Filename   string                                `json:"filename,omitempty"`
	Text       string                                `json:"text"`
	Meta       any                                   `json:"meta,omitempty"`
	Tokens     any                                   `json:"tokens,omitempty"`
	Prior      map[string]map[string]json.RawMessage `json:"prior,omitempty"`
}

type response struct {
	Annotations map[string]json.RawMessage `json:"annotations"`
	Error       *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Annotate posts req and returns the key/value findings of the model server.
func (c *Client) Annotate(ctx context.Context, req Request) (map[string]json.RawMessage, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("robotclient: base URL required")
	}
	payload, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if payload.Annotations == nil {
		return nil, fmt.Errorf("robotclient: empty response")
	}
	return payload.Annotations, nil
}

func (c *Client) send(ctx context.Context, body Request) (*response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("robotclient: %s: status %d: %s", c.BaseURL, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var payload response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("robotclient: decode: %w", err)
	}
	if payload.Error != nil {
		return nil, fmt.Errorf("robotclient error: %s", payload.Error.Message)
	}
	return &payload, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}
