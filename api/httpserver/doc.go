// Package httpserver provides the reusable HTTP server for the submission
// pipeline's public surface.
//
// The httpserver package implements a base HTTP server with standard health
// endpoints, graceful shutdown capabilities, metrics, and flexible routing.
// Handlers from the registration and intake packages plug in through the
// RouteRegistrar interface.
//
// # Key Components
//
//   - BaseServer: Core HTTP server with health checks, metrics, and lifecycle management
//   - RouteRegistrar: Interface for components to register their routes with the server
//   - KeysHandler: Advertises the decryption boundary's attested exchange keys
//
// # Server Lifecycle
//
// The BaseServer implements a complete server lifecycle:
//
//  1. Initialization: Configure server with HTTP settings and route registrars
//  2. Startup: Run HTTP and metrics servers in background goroutines
//  3. Operation: Handle requests with proper logging and monitoring
//  4. Readiness Control: Support drain/undrain operations for load balancers
//  5. Graceful Shutdown: Wait for in-flight requests to complete
//
// # Health and Diagnostics
//
// All servers built with BaseServer automatically include:
//
//   - Liveness Check: Simple endpoint to verify server is running (/livez)
//   - Readiness Check: /readyz reports not-ready while draining or when the
//     configured ReadyCheck (the store's Ping) fails
//   - Drain Control: /drain flips readiness, waits out the load-balancer
//     window, then runs the DrainHook (the delivery executor's queue flush);
//     /undrain restores readiness
//   - Metrics: Optional Prometheus-compatible metrics endpoint
//   - Profiling: Optional pprof debugging endpoints when enabled
package httpserver
