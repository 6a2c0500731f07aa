package congress

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// Route describes how messages for one set of offices are delivered.
type Route struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// RoutingTable maps districts to delivery routes. Offices without an override
// use the default route. The yaml shape:
//
//	default:
//	  url: https://cwc.example/api
//	  api_key: secret
//	overrides:
//	  CA-12:
//	    url: https://district.example/intake
type RoutingTable struct {
	Default   Route            `yaml:"default"`
	Overrides map[string]Route `yaml:"overrides"`
}

// ParseRoutingTable loads a routing table from yaml.
func ParseRoutingTable(data []byte) (*RoutingTable, error) {
	var table RoutingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing routing table: %w", err)
	}
	if table.Default.URL == "" {
		return nil, fmt.Errorf("routing table has no default route")
	}
	return &table, nil
}

// RouteFor returns the delivery route for one recipient. Senators have no
// district and always use the default route.
func (t *RoutingTable) RouteFor(recipient Recipient) Route {
	if recipient.District != "" {
		if route, ok := t.Overrides[recipient.District]; ok {
			return route
		}
	}
	return t.Default
}

// RoutedDeliverer delivers each message via the route its recipient maps to.
// Safe for concurrent use by the delivery workers.
type RoutedDeliverer struct {
	table *RoutingTable

	mu         sync.Mutex
	deliverers map[string]*HTTPDeliverer
}

// NewRoutedDeliverer creates a deliverer over the routing table.
func NewRoutedDeliverer(table *RoutingTable) *RoutedDeliverer {
	return &RoutedDeliverer{
		table:      table,
		deliverers: make(map[string]*HTTPDeliverer),
	}
}

// Deliver submits the message via the recipient's route.
func (d *RoutedDeliverer) Deliver(ctx context.Context, msg Message) (*Confirmation, error) {
	route := d.table.RouteFor(msg.Recipient)

	d.mu.Lock()
	deliverer, ok := d.deliverers[route.URL]
	if !ok {
		deliverer = NewHTTPDeliverer(route.URL, route.APIKey)
		d.deliverers[route.URL] = deliverer
	}
	d.mu.Unlock()

	return deliverer.Deliver(ctx, msg)
}
