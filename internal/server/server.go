// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securecore.
//
// go-securecore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package server is the securecore HTTP edge: health, metrics, key status,
// security reporting, and password and CSP checks over a chi router.
package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-securecore/internal/app"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/correlation"
	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/ratelimit"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Server serves the HTTP API for one App.
type Server struct {
	app     *app.App
	log     logger.Logger
	apiKeys [][sha256.Size]byte
	router  chi.Router
	http    *http.Server
}

// New builds the router and HTTP server for a.
func New(a *app.App) (*Server, error) {
	if a == nil {
		return nil, errors.New("server: app is required")
	}
	s := &Server{
		app: a,
		log: a.Logger.With(logger.String("component", "server")),
	}
	for _, k := range a.Config.Server.APIKeys {
		s.apiKeys = append(s.apiKeys, sha256.Sum256([]byte(k)))
	}
	s.router = s.routes()

	sc := a.Config.Server
	s.http = &http.Server{
		Addr:         sc.Address,
		Handler:      s.router,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}
	if tc := a.Config.Transport.TLS; tc.CertFile != "" || tc.KeyFile != "" {
		tlsConfig, err := a.Policy.LoadServerTLS()
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		s.http.TLSConfig = tlsConfig
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverPanics)
	r.Use(correlation.Middleware)
	r.Use(s.logRequests)
	r.Use(metrics.HTTPMiddleware)
	r.Use(s.app.Policy.Middleware)
	r.Use(ratelimit.Middleware(s.app.Limiter))

	r.Get("/healthz", s.handleHealth)
	if mc := s.app.Config.Metrics; mc.Enabled {
		r.Method(http.MethodGet, mc.Path, promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/keys", s.handleListKeys)
		r.Get("/keys/validate", s.handleValidateKeys)
		r.Get("/security/report", s.handleSecurityReport)
		r.Post("/passwords/strength", s.handlePasswordStrength)
		r.Post("/csp/validate", s.handleValidateCSP)
	})
	return r
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		secure := s.http.TLSConfig != nil
		s.log.Info("starting HTTP server",
			logger.String("address", ln.Addr().String()),
			logger.Bool("tls", secure))
		var err error
		if secure {
			err = s.http.ServeTLS(ln, "", "")
		} else {
			err = s.http.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.app.Config.Server.ShutdownTimeout)
	defer cancel()
	s.log.Info("shutting down HTTP server")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
