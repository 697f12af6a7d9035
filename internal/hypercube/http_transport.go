package hypercube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Engine routes served by the API package.
const (
	BinnedEndpoint = "/api/hypercube/binned"
	LayoutEndpoint = "/api/hypercube/layout"
)

// HTTPTransport talks to a remote engine exposing BinnedEndpoint.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the engine at baseURL. A zero
// timeout leaves deadlines to the request context.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// GetBinnedData posts req and decodes the returned pages.
func (t *HTTPTransport) GetBinnedData(ctx context.Context, req BinnedDataRequest) ([]DataPage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+BinnedEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	var pages []DataPage
	if err := t.do(httpReq, &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

// Layout fetches the cube description of the remote engine.
func (t *HTTPTransport) Layout(ctx context.Context) (Layout, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+LayoutEndpoint, nil)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	var l Layout
	if err := t.do(httpReq, &l); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (t *HTTPTransport) do(httpReq *http.Request, out interface{}) error {
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode engine response: %w", err)
	}
	return nil
}
