package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable indicates the tree operator could not serve the request.
var ErrUnavailable = errors.New("shadow atlas unavailable")

// Client talks to the Shadow Atlas registration API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a Shadow Atlas client with a default timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type registerRequest struct {
	Leaf string `json:"leaf"`
}

// RegisterResponse is the tree operator's answer to a leaf registration.
type RegisterResponse struct {
	LeafIndex         uint64   `json:"leafIndex"`
	MerkleRoot        string   `json:"merkleRoot"`
	MerklePath        []string `json:"merklePath"`
	PathIndices       []int    `json:"pathIndices"`
	AlreadyRegistered bool     `json:"alreadyRegistered"`
}

// RegisterLeaf submits a leaf hash for insertion into the district tree.
// Network failures and operator errors return ErrUnavailable.
func (c *Client) RegisterLeaf(ctx context.Context, leafHash string) (*RegisterResponse, error) {
	body, err := json.Marshal(&registerRequest{Leaf: leafHash})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: operator returned %d: %s", ErrUnavailable, resp.StatusCode, respBody)
	}

	var result RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	return &result, nil
}
