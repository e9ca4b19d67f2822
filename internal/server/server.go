// Package server owns the accept loop and its lifecycle: dispatching each
// accepted connection to a handler goroutine, draining in-flight handlers
// on shutdown, and hot-swapping the route table and allow-list on reload.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ubnt-mirror/sni-proxy/internal/config"
	"github.com/ubnt-mirror/sni-proxy/internal/handler"
	"github.com/ubnt-mirror/sni-proxy/internal/policy"
	"github.com/ubnt-mirror/sni-proxy/internal/ratelimit"
	"github.com/ubnt-mirror/sni-proxy/internal/routes"
	"github.com/ubnt-mirror/sni-proxy/internal/stats"
	"github.com/ubnt-mirror/sni-proxy/internal/ui"
)

// Server owns the accept loop, the live route table and allow-list, and the
// handler every accepted connection is dispatched to.
type Server struct {
	cfg     *config.Config
	handler *handler.Handler

	routeStore  *RouteStore
	policyStore *PolicyStore
	limiter     *ratelimit.Limiter

	ln net.Listener
	wg sync.WaitGroup
}

// New builds a Server from cfg, loading the initial route table and
// allow-list (from their optional files, or the env-driven defaults) and
// wiring a Handler around them and st.
func New(cfg *config.Config, st *stats.Tracker) (*Server, error) {
	initialRoutes, err := routes.LoadFile(cfg.RoutesFile)
	if err != nil {
		return nil, err
	}

	initialPolicy, err := loadPolicy(cfg)
	if err != nil {
		return nil, err
	}

	routeStore := NewRouteStore(initialRoutes)
	policyStore := NewPolicyStore(initialPolicy)
	limiter := ratelimit.New(uint32(cfg.RateLimitPerIP))

	h := handler.New(policyStore, limiter, routeStore, st, handler.Timeouts{
		Preread: time.Duration(cfg.PrereadTimeoutMs) * time.Millisecond,
		Dial:    time.Duration(cfg.ProxyConnectTimeoutMs) * time.Millisecond,
		Idle:    time.Duration(cfg.ProxyTimeoutMs) * time.Millisecond,
	})

	return &Server{
		cfg:         cfg,
		handler:     h,
		routeStore:  routeStore,
		policyStore: policyStore,
		limiter:     limiter,
	}, nil
}

func loadPolicy(cfg *config.Config) (*policy.AddressPolicy, error) {
	if cfg.AllowedIPsFile != "" {
		return policy.LoadFile(cfg.AllowedIPsFile)
	}
	return policy.ParseCSV(cfg.AllowedIPs), nil
}

// RouteStore exposes the live route table, for the sidecar's allowedDomains
// field.
func (s *Server) RouteStore() *RouteStore { return s.routeStore }

// PolicyStore exposes the live allow-list, for the sidecar's ipFilterRules
// field.
func (s *Server) PolicyStore() *PolicyStore { return s.policyStore }

// Close stops the background rate-limiter sweep. Call after Serve returns.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Serve listens on addr and dispatches every accepted connection to a fresh
// handler goroutine. It blocks until ctx is cancelled (at which point it
// stops accepting and drains in-flight handlers up to cfg.ShutdownGraceMs)
// or the listener itself fails.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.drain()
			default:
				return err
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.Handle(conn)
		}()
	}
}

// drain waits for in-flight handlers to finish, up to the configured grace
// period.
func (s *Server) drain() error {
	grace := time.Duration(s.cfg.ShutdownGraceMs) * time.Millisecond

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		ui.LogStatus("success", "all connections drained")
	case <-time.After(grace):
		ui.LogStatus("warning", "shutdown grace period elapsed with connections still active")
	}
	return nil
}

// Reload re-reads the route table and allow-list from their configured
// files (if any) and atomically swaps them into the live handler. Safe to
// call repeatedly; a second signal arriving mid-reload just runs Reload
// again, since it does nothing beyond two file reads and a pointer swap.
func (s *Server) Reload() error {
	newRoutes, err := routes.LoadFile(s.cfg.RoutesFile)
	if err != nil {
		return err
	}
	newPolicy, err := loadPolicy(s.cfg)
	if err != nil {
		return err
	}

	s.routeStore.Swap(newRoutes)
	s.policyStore.Swap(newPolicy)
	return nil
}
