package chiarpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrRPC is returned when a service answers with success=false.
var ErrRPC = errors.New("chiarpc: call failed")

// maxResponseBytes caps a single RPC response body.
const maxResponseBytes = 32 << 20

// Client calls one node RPC service (full node, wallet, farmer, harvester).
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL (for example https://localhost:8555).
// tlsConfig may be nil for plain HTTP endpoints in tests.
func New(baseURL string, tlsConfig *tls.Config, timeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: transport, Timeout: timeout},
	}
}

// Call POSTs req as JSON to /<method> and decodes the response into resp.
// A nil req sends an empty object. Numbers decode as json.Number when resp
// is a map.
func (c *Client) Call(ctx context.Context, method string, req, resp interface{}) error {
	if req == nil {
		req = struct{}{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("chiarpc: encode %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chiarpc: build %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chiarpc: %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("chiarpc: read %s: %w", method, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("chiarpc: %s: unexpected status %d", method, httpResp.StatusCode)
	}

	var envelope struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("chiarpc: decode %s: %w", method, err)
	}
	if !envelope.Success {
		msg := envelope.Error
		if msg == "" {
			msg = "success=false"
		}
		return fmt.Errorf("%w: %s: %s", ErrRPC, method, msg)
	}
	if resp == nil {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(resp); err != nil {
		return fmt.Errorf("chiarpc: decode %s: %w", method, err)
	}
	return nil
}

// Ping verifies the service answers healthz.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, "healthz", nil, nil)
}
