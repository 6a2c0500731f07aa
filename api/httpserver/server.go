package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"

	"github.com/communisaas/communique-core/common"
	"github.com/communisaas/communique-core/metrics"
)

// readyCheckTimeout bounds the storage probe behind /readyz so a hung
// database never hangs the health check itself.
const readyCheckTimeout = 2 * time.Second

// RouteRegistrar is implemented by handlers that mount routes on the API
// router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// HTTPServerConfig configures the pipeline's API server.
type HTTPServerConfig struct {
	// ListenAddr is the address and port the API server listens on.
	ListenAddr string

	// MetricsAddr is the address for the Prometheus scrape endpoint.
	// Empty disables the metrics listener.
	MetricsAddr string

	// EnablePprof mounts the pprof debugging API when true.
	EnablePprof bool

	// Log is the structured logger for server operations.
	Log *slog.Logger

	// ReadyCheck is consulted by /readyz in addition to the drain state.
	// Wired to the store's Ping so an unreachable database takes the
	// instance out of rotation. Optional.
	ReadyCheck func(ctx context.Context) error

	// DrainHook runs once the drain window has elapsed, bounded by
	// GracefulShutdownDuration. Wired to the delivery executor's Drain so
	// queued deliveries are flushed before the operator stops the process.
	// Optional.
	DrainHook func(ctx context.Context)

	// DrainDuration is how long /drain keeps serving after flipping the
	// readiness state, giving load balancers time to notice.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds in-flight request completion during
	// shutdown, and the DrainHook.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BaseServer hosts the public API surface plus the operational endpoints:
// liveness, readiness, drain/undrain, metrics, and pprof.
type BaseServer struct {
	cfg      *HTTPServerConfig
	draining atomic.Bool
	log      *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

// New creates a server and mounts every registrar's routes on its router.
func New(cfg *HTTPServerConfig, routeRegistrars ...RouteRegistrar) (*BaseServer, error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv := &BaseServer{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
	}
	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.buildRouter(routeRegistrars),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

func (srv *BaseServer) buildRouter(routeRegistrars []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	// The web application shell calls these endpoints cross-origin.
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Communique-User", "X-Communique-Verified-At", "X-Communique-Signature"},
		MaxAge:         300,
	}))

	for _, registrar := range routeRegistrars {
		registrar.RegisterRoutes(mux)
	}

	logged := func(next http.HandlerFunc) http.Handler {
		return httplogger.LoggingMiddlewareSlog(srv.log, next)
	}
	mux.Method(http.MethodGet, "/livez", logged(srv.handleLivenessCheck))
	mux.Method(http.MethodGet, "/readyz", logged(srv.handleReadinessCheck))
	mux.Method(http.MethodGet, "/drain", logged(srv.handleDrain))
	mux.Method(http.MethodGet, "/undrain", logged(srv.handleUndrain))

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q}`, status)
}

func (srv *BaseServer) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

// handleReadinessCheck reports whether the instance should receive traffic:
// not draining, and the backing store reachable.
func (srv *BaseServer) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if srv.draining.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "draining")
		return
	}
	if srv.cfg.ReadyCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()
		if err := srv.cfg.ReadyCheck(ctx); err != nil {
			srv.log.Error("readiness check failed", "err", err)
			writeStatus(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeStatus(w, http.StatusOK, "ready")
}

// handleDrain flips readiness off, waits out the load-balancer window, then
// runs the drain hook so queued deliveries finish before the process stops.
func (srv *BaseServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if srv.draining.Swap(true) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("drain requested, marking instance not ready")

	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		if srv.cfg.DrainHook != nil {
			ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
			defer cancel()
			srv.cfg.DrainHook(ctx)
		}
		srv.log.Info("drain complete")
	}()

	writeStatus(w, http.StatusOK, "draining")
}

func (srv *BaseServer) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if !srv.draining.Swap(false) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("instance marked ready again")
	writeStatus(w, http.StatusOK, "ready")
}

// RunInBackground starts the API and metrics listeners in their own
// goroutines.
func (srv *BaseServer) RunInBackground() {
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.Info("starting metrics server", "metricsAddress", srv.cfg.MetricsAddr)
			if err := srv.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown gracefully stops both listeners.
func (srv *BaseServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()

	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server stopped")
	}

	if srv.cfg.MetricsAddr != "" {
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("metrics server stopped")
		}
	}
}
