package congress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Recipient is one legislative office a message is delivered to.
type Recipient struct {
	ID       string `json:"id"`       // bioguide id
	Name     string `json:"name"`     // display name
	Chamber  string `json:"chamber"`  // house | senate
	District string `json:"district"` // e.g. CA-12; empty for senators
}

// Address is the decrypted constituent address used for recipient resolution.
type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
	Zip4   string `json:"zip4,omitempty"`
}

// Message is the structured payload submitted to a recipient.
type Message struct {
	Recipient   Recipient `json:"recipient"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Constituent Address   `json:"constituent"`
	TemplateID  string    `json:"templateId"`
}

// Confirmation carries the delivery service's receipt for one message.
type Confirmation struct {
	ConfirmationID string `json:"confirmationId"`
}

// Resolver resolves a constituent address to its legislative recipients.
type Resolver interface {
	ResolveRecipients(ctx context.Context, addr Address) ([]Recipient, error)
}

// Deliverer submits one message to one recipient's delivery endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) (*Confirmation, error)
}

// HTTPResolver resolves recipients via the district lookup service.
type HTTPResolver struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPResolver creates a resolver with a default timeout.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ResolveRecipients returns the two senators and one representative for the
// address's district.
func (r *HTTPResolver) ResolveRecipients(ctx context.Context, addr Address) ([]Recipient, error) {
	u := fmt.Sprintf("%s/representatives?state=%s&zip=%s&zip4=%s",
		r.BaseURL, url.QueryEscape(addr.State), url.QueryEscape(addr.Zip), url.QueryEscape(addr.Zip4))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolving recipients: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("recipient lookup returned %d: %s", resp.StatusCode, body)
	}

	var recipients []Recipient
	if err := json.NewDecoder(resp.Body).Decode(&recipients); err != nil {
		return nil, fmt.Errorf("decoding recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found for district")
	}

	return recipients, nil
}

// HTTPDeliverer submits messages to the legislative delivery API.
type HTTPDeliverer struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPDeliverer creates a deliverer with a per-call timeout.
func NewHTTPDeliverer(baseURL, apiKey string) *HTTPDeliverer {
	return &HTTPDeliverer{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Deliver submits one message and returns the confirmation id.
func (d *HTTPDeliverer) Deliver(ctx context.Context, msg Message) (*Confirmation, error) {
	body, err := json.Marshal(&msg)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/messages/%s", d.BaseURL, url.PathEscape(msg.Recipient.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.APIKey)
	}

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivering to %s: %w", msg.Recipient.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("delivery to %s returned %d: %s", msg.Recipient.ID, resp.StatusCode, respBody)
	}

	var conf Confirmation
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return nil, fmt.Errorf("decoding confirmation: %w", err)
	}

	return &conf, nil
}
