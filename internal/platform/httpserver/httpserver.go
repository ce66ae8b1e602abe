package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults. Admin handlers are expected
// to finish within seconds; anything longer belongs in the reconciler.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
