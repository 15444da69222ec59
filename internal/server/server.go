package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
)

// New returns the worker's HTTP server.
// It should be started with http.Server's ListenAndServe and stopped with Shutdown before the scheduler.
func New(cfg *Config, log *slog.Logger, deps *Deps) *http.Server {
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	subLogger := log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := newHandler(deps, subLogger, cfg.Swagger)

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.readHeaderTimeout(),
		IdleTimeout:       cfg.idleTimeout(),
	}
}
