package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	httpapi "github.com/i5heu/ouroboros-ledger/internal/api"
	"github.com/i5heu/ouroboros-ledger/pkg/disclosure"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Client talks to a remote relayer. It implements
// disclosure.Relayer; the relayer's error codes come back
// as the disclosure sentinels.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for baseURL. A nil hc means
// http.DefaultClient.
func NewClient(baseURL string, hc *http.Client) *Client { // A
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Decrypt sends req and returns the plaintext.
func (c *Client) Decrypt( // A
	ctx context.Context,
	req disclosure.Request,
) (types.Plaintext, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return types.Plaintext{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.base+DecryptPath, bytes.NewReader(raw),
	)
	if err != nil {
		return types.Plaintext{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return types.Plaintext{}, fmt.Errorf("relayer exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Plaintext{}, errorOf(httpapi.DecodeError(resp))
	}
	var out DecryptResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.Plaintext{}, fmt.Errorf("decode response: %w", err)
	}
	return out.Plaintext, nil
}
