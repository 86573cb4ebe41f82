package api

import (
	"context"
	"net/http"
	"time"
)

// NewHTTPServer creates a configured HTTP server
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// POST /api/v1/refresh?wait=true blocks for a whole run.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
}

// GracefulShutdown performs graceful shutdown of the HTTP server
func GracefulShutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	return nil
}

// Closer is a component released after the HTTP server stops.
type Closer interface {
	Close() error
}

// ShutdownWithComponents stops the HTTP server, then closes every component
// in order. The first error is returned after all components were closed.
func ShutdownWithComponents(srv *http.Server, timeout time.Duration, components []Closer) error {
	err := GracefulShutdown(srv, timeout)

	for _, comp := range components {
		if comp == nil {
			continue
		}
		if cerr := comp.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}
