package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/communisaas/communique-core/metrics"
)

// DistrictSlots is the fixed width of the district id vector in a cell proof.
const DistrictSlots = 24

// DefaultTreeDepth is the engagement tree depth used for tier-0 default paths.
const DefaultTreeDepth = 20

// ErrCellProofUnavailable is the only error cell proof lookups return.
// Not-found and service-down are deliberately indistinguishable.
var ErrCellProofUnavailable = errors.New("cell proof unavailable")

// Proof is the engagement Merkle proof plus tier metadata consumed by the
// proof-generation client.
type Proof struct {
	Root           string   `json:"root"`
	Path           []string `json:"path"`
	Index          uint64   `json:"index"`
	Tier           int      `json:"tier"`
	ActionCount    int      `json:"actionCount"`
	DiversityScore int      `json:"diversityScore"`
}

// CellProof maps a geographic cell to its congressional districts.
type CellProof struct {
	SMTProof    json.RawMessage `json:"smtProof"`
	DistrictIDs []string        `json:"districtIds"`
}

// Client talks to the engagement tree and cell proof upstreams.
type Client struct {
	EngagementURL string
	CellProofURL  string
	HTTPClient    *http.Client
}

// NewClient creates an upstream client with a default timeout.
func NewClient(engagementURL, cellProofURL string) *Client {
	return &Client{
		EngagementURL: engagementURL,
		CellProofURL:  cellProofURL,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

type engagementMetrics struct {
	Tier           int    `json:"tier"`
	ActionCount    int    `json:"actionCount"`
	DiversityScore int    `json:"diversityScore"`
	LeafIndex      uint64 `json:"leafIndex"`
}

type engagementPath struct {
	Root string   `json:"root"`
	Path []string `json:"path"`
}

func (c *Client) register(ctx context.Context, signerAddress, identityCommitment string) error {
	body := fmt.Sprintf(`{"signerAddress":%q,"identityCommitment":%q}`, signerAddress, identityCommitment)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.EngagementURL+"/register", strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return errAlreadyRegistered
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("engagement register returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

var errAlreadyRegistered = errors.New("already registered")

func (c *Client) recordAction(ctx context.Context, pseudonymousID, actionKind string) error {
	body := fmt.Sprintf(`{"pseudonymousId":%q,"actionKind":%q}`, pseudonymousID, actionKind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.EngagementURL+"/actions", strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("engagement action returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func (c *Client) getMetrics(ctx context.Context, identityCommitment string) (*engagementMetrics, error) {
	u := fmt.Sprintf("%s/metrics?identityCommitment=%s", c.EngagementURL, url.QueryEscape(identityCommitment))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engagement metrics returned %d", resp.StatusCode)
	}

	var m engagementMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding metrics: %w", err)
	}
	return &m, nil
}

func (c *Client) getPath(ctx context.Context, leafIndex uint64) (*engagementPath, error) {
	u := fmt.Sprintf("%s/path?leafIndex=%s", c.EngagementURL, strconv.FormatUint(leafIndex, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engagement path returned %d", resp.StatusCode)
	}

	var p engagementPath
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding path: %w", err)
	}
	return &p, nil
}

// Proxy serves engagement and cell proofs to the proof-generation client.
type Proxy struct {
	client    *Client
	treeDepth int
	log       *slog.Logger
}

// NewProxy creates a proxy over the given upstream client.
func NewProxy(client *Client, treeDepth int, log *slog.Logger) *Proxy {
	if treeDepth <= 0 {
		treeDepth = DefaultTreeDepth
	}
	return &Proxy{client: client, treeDepth: treeDepth, log: log}
}

// TierZeroProof returns the deterministic default proof: all-zero root and
// path at the configured depth, index 0, tier 0, zero counts.
func (p *Proxy) TierZeroProof() *Proof {
	path := make([]string, p.treeDepth)
	for i := range path {
		path[i] = "0x0"
	}
	return &Proof{
		Root:           "0x0",
		Path:           path,
		Index:          0,
		Tier:           0,
		ActionCount:    0,
		DiversityScore: 0,
	}
}

// GetEngagementProof fetches the engagement proof for an identity commitment.
// It never fails: registration is attempted once, an "already registered"
// answer recovers the leaf index from a metrics lookup, and any other upstream
// failure degrades to the tier-0 default.
func (p *Proxy) GetEngagementProof(ctx context.Context, signerAddress, identityCommitment string) *Proof {
	err := p.client.register(ctx, signerAddress, identityCommitment)
	if err != nil && !errors.Is(err, errAlreadyRegistered) {
		return p.degrade("register", err)
	}

	m, err := p.client.getMetrics(ctx, identityCommitment)
	if err != nil {
		return p.degrade("metrics", err)
	}

	path, err := p.client.getPath(ctx, m.LeafIndex)
	if err != nil {
		return p.degrade("path", err)
	}
	if len(path.Path) == 0 {
		return p.degrade("path", errors.New("empty merkle path"))
	}

	return &Proof{
		Root:           path.Root,
		Path:           path.Path,
		Index:          m.LeafIndex,
		Tier:           m.Tier,
		ActionCount:    m.ActionCount,
		DiversityScore: m.DiversityScore,
	}
}

// RecordAction notifies the engagement tree that a pseudonymous identity
// completed a civic action, feeding tier promotion. Best effort: failures are
// logged and counted, never surfaced to the caller.
func (p *Proxy) RecordAction(ctx context.Context, pseudonymousID, actionKind string) {
	if err := p.client.recordAction(ctx, pseudonymousID, actionKind); err != nil {
		p.log.Warn("recording engagement action failed", "actionKind", actionKind, "err", err)
		metrics.UpstreamDegradations.WithLabelValues("engagement").Inc()
	}
}

func (p *Proxy) degrade(stage string, err error) *Proof {
	p.log.Warn("engagement proof degraded to tier-0 default", "stage", stage, "err", err)
	metrics.UpstreamDegradations.WithLabelValues("engagement").Inc()
	return p.TierZeroProof()
}

// GetCellProof fetches the cell-to-district proof for a geographic cell.
// Every internal failure maps to ErrCellProofUnavailable.
func (p *Proxy) GetCellProof(ctx context.Context, cellID string) (*CellProof, error) {
	u := fmt.Sprintf("%s/proof?cellId=%s", p.client.CellProofURL, url.QueryEscape(cellID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, p.cellUnavailable(err)
	}

	resp, err := p.client.HTTPClient.Do(req)
	if err != nil {
		return nil, p.cellUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.cellUnavailable(fmt.Errorf("upstream returned %d", resp.StatusCode))
	}

	var proof CellProof
	if err := json.NewDecoder(resp.Body).Decode(&proof); err != nil {
		return nil, p.cellUnavailable(err)
	}
	if len(proof.DistrictIDs) != DistrictSlots {
		return nil, p.cellUnavailable(fmt.Errorf("expected %d district slots, got %d", DistrictSlots, len(proof.DistrictIDs)))
	}

	return &proof, nil
}

func (p *Proxy) cellUnavailable(err error) error {
	// Log the real cause server-side; the caller sees only the generic error.
	p.log.Warn("cell proof lookup failed", "err", err)
	metrics.UpstreamDegradations.WithLabelValues("cell").Inc()
	return ErrCellProofUnavailable
}
