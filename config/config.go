// Package config loads service configuration from the environment and from
// optional yaml files. Environment variables carry deployment wiring; yaml
// carries operator-editable policy.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/communisaas/communique-core/congress"
	"github.com/communisaas/communique-core/policy"
)

// Config is the core service configuration, loaded from COMMUNIQUE_* variables.
type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:""`
	EnablePprof bool   `envconfig:"ENABLE_PPROF" default:"false"`

	// Upstream services.
	AtlasURL       string `envconfig:"ATLAS_URL"`
	EngagementURL  string `envconfig:"ENGAGEMENT_URL"`
	CellProofURL   string `envconfig:"CELL_PROOF_URL"`
	ResolverURL    string `envconfig:"RESOLVER_URL"`
	DeliveryURL    string `envconfig:"DELIVERY_URL"`
	DeliveryAPIKey string `envconfig:"DELIVERY_API_KEY"`

	// Shared secrets, hex encoded.
	AuthKey      string `envconfig:"AUTH_KEY"`
	PseudonymKey string `envconfig:"PSEUDONYM_KEY"`

	// Attestation.
	UseTDX       bool   `envconfig:"USE_TDX" default:"false"`
	TDXRemoteURL string `envconfig:"TDX_REMOTE_URL"`

	// Trees.
	DistrictTreeDepth int `envconfig:"DISTRICT_TREE_DEPTH" default:"20"`

	// Delivery workers.
	DeliveryWorkers    int           `envconfig:"DELIVERY_WORKERS" default:"4"`
	DeliveryQueueDepth int           `envconfig:"DELIVERY_QUEUE_DEPTH" default:"256"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	StuckCutoff        time.Duration `envconfig:"STUCK_CUTOFF" default:"5m"`

	// PolicyFile optionally overrides the default credential freshness table.
	PolicyFile string `envconfig:"POLICY_FILE"`

	// RoutingFile optionally selects per-district delivery routes; when unset,
	// all messages go to DELIVERY_URL.
	RoutingFile string `envconfig:"ROUTING_FILE"`

	// UsePostgres selects the PostgreSQL store; the in-memory store is used
	// otherwise. Connection parameters come from the standard PG* variables.
	UsePostgres bool `envconfig:"USE_POSTGRES" default:"false"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("communique", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// PolicyTable returns the credential freshness table, from the configured yaml
// file when set and the built-in defaults otherwise.
func (c *Config) PolicyTable() (policy.Table, error) {
	if c.PolicyFile == "" {
		return policy.DefaultTable(), nil
	}

	data, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return policy.ParseTable(data)
}

// Deliverer returns the message deliverer: route-per-district when a routing
// file is configured, a single endpoint otherwise.
func (c *Config) Deliverer() (congress.Deliverer, error) {
	if c.RoutingFile == "" {
		return congress.NewHTTPDeliverer(c.DeliveryURL, c.DeliveryAPIKey), nil
	}

	data, err := os.ReadFile(c.RoutingFile)
	if err != nil {
		return nil, fmt.Errorf("reading routing file: %w", err)
	}
	table, err := congress.ParseRoutingTable(data)
	if err != nil {
		return nil, err
	}
	return congress.NewRoutedDeliverer(table), nil
}
