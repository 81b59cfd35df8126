package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/enclave/internal/logging"
)

// DefaultPath is where metrics are served when none is configured.
const DefaultPath = "/metrics"

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves metrics until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr, path string, logger *logging.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.ServeListener(ctx, ln, path, logger)
}

// ServeListener is Serve on an existing listener.
func (r *Registry) ServeListener(ctx context.Context, ln net.Listener, path string, logger *logging.Logger) error {
	if path == "" {
		path = DefaultPath
	}
	mux := http.NewServeMux()
	mux.Handle(path, r.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if logger != nil {
		logger.Info("serving metrics", "addr", ln.Addr().String(), "path", path)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
