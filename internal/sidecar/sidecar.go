// Package sidecar serves the HTTP observability endpoints
// (health/readiness/stats) plus a Prometheus /metrics endpoint on a
// separate listener.
package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ubnt-mirror/sni-proxy/internal/stats"
	"github.com/ubnt-mirror/sni-proxy/internal/ui"
)

// version is the sidecar's reported version string, overridable at build
// time with -ldflags.
var version = "dev"

// RouteLister supplies the /stats sidecar's allowedDomains field.
type RouteLister interface {
	Hostnames() []string
}

// PolicyLister supplies the /stats sidecar's ipFilterRules field.
type PolicyLister interface {
	Rules() []string
}

// Sidecar serves the JSON endpoints on one net/http server and Prometheus
// metrics on a second, separate one.
type Sidecar struct {
	stats   *stats.Tracker
	routes  RouteLister
	policy  PolicyLister
	port    int
	metrics *http.Server
	api     *http.Server
}

// New builds a Sidecar. port is the configured proxy listener port,
// reported back in /stats' config.port field.
func New(st *stats.Tracker, routes RouteLister, policy PolicyLister, port int) *Sidecar {
	return &Sidecar{stats: st, routes: routes, policy: policy, port: port}
}

// Start begins serving the JSON API on healthAddr and Prometheus metrics on
// metricsAddr. Both listeners run in background goroutines; Start returns
// immediately. Sidecar failures are logged and never bring down the proxy.
func (s *Sidecar) Start(healthAddr, metricsAddr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)

	s.api = &http.Server{Addr: healthAddr, Handler: withFallback(mux)}
	go func() {
		if err := s.api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ui.LogStatus("error", "sidecar API error: "+err.Error())
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ui.LogStatus("error", "metrics server error: "+err.Error())
		}
	}()
}

// Shutdown gracefully stops both listeners.
func (s *Sidecar) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if s.api != nil {
		s.api.Shutdown(shutdownCtx)
	}
	if s.metrics != nil {
		s.metrics.Shutdown(shutdownCtx)
	}
}

// withFallback wraps mux so any path other than "/", "/health", "/ready",
// and "/stats" gets the JSON 404 body instead of ServeMux's own plaintext
// 404.
func withFallback(mux *http.ServeMux) http.Handler {
	known := map[string]bool{"/": true, "/health": true, "/ready": true, "/stats": true}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !known[r.URL.Path] {
			writeNotFound(w)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func setCommonHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version"`
}

func (s *Sidecar) handleHealth(w http.ResponseWriter, r *http.Request) {
	setCommonHeaders(w)
	json.NewEncoder(w).Encode(healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UnixMilli(),
		Service:   "sni-proxy",
		Version:   version,
	})
}

type readyResponse struct {
	Ready     bool  `json:"ready"`
	Timestamp int64 `json:"timestamp"`
}

func (s *Sidecar) handleReady(w http.ResponseWriter, r *http.Request) {
	setCommonHeaders(w)
	json.NewEncoder(w).Encode(readyResponse{Ready: true, Timestamp: time.Now().UnixMilli()})
}

type uptimeJSON struct {
	Ms    int64  `json:"ms"`
	Human string `json:"human"`
}

type connectionsJSON struct {
	Total      int64 `json:"total"`
	Active     int64 `json:"active"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

type statsBody struct {
	Uptime      uptimeJSON          `json:"uptime"`
	Connections connectionsJSON     `json:"connections"`
	Domains     map[string]int64    `json:"domains"`
	TopIPs      []stats.SourceCount `json:"topIPs"`
}

type statsConfig struct {
	AllowedDomains []string `json:"allowedDomains"`
	IPFilterRules  []string `json:"ipFilterRules"`
	Port           int      `json:"port"`
}

type statsResponse struct {
	Status    string      `json:"status"`
	Timestamp int64       `json:"timestamp"`
	Stats     statsBody   `json:"stats"`
	Config    statsConfig `json:"config"`
}

func (s *Sidecar) handleStats(w http.ResponseWriter, r *http.Request) {
	setCommonHeaders(w)

	snap := s.stats.Snapshot()

	domains := make([]string, len(s.routes.Hostnames()))
	copy(domains, s.routes.Hostnames())
	sort.Strings(domains)

	json.NewEncoder(w).Encode(statsResponse{
		Status:    "ok",
		Timestamp: time.Now().UnixMilli(),
		Stats: statsBody{
			Uptime: uptimeJSON{
				Ms:    snap.Uptime.Milliseconds(),
				Human: humanDuration(snap.Uptime),
			},
			Connections: connectionsJSON{
				Total:      snap.Total,
				Active:     snap.Active,
				Successful: snap.Successful,
				Failed:     snap.Failed,
			},
			Domains: snap.Domains,
			TopIPs:  snap.TopIPs,
		},
		Config: statsConfig{
			AllowedDomains: domains,
			IPFilterRules:  s.policy.Rules(),
			Port:           s.port,
		},
	})
}

type notFoundResponse struct {
	Error              string   `json:"error"`
	AvailableEndpoints []string `json:"availableEndpoints"`
}

func writeNotFound(w http.ResponseWriter) {
	setCommonHeaders(w)
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(notFoundResponse{
		Error:              "Not found",
		AvailableEndpoints: []string{"/health", "/ready", "/stats"},
	})
}

// humanDuration renders d as a short "XhYmZs"-style string for the /stats
// uptime.human field.
func humanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second

	out := ""
	if h > 0 {
		out += strconv.FormatInt(int64(h), 10) + "h"
	}
	if h > 0 || m > 0 {
		out += strconv.FormatInt(int64(m), 10) + "m"
	}
	out += strconv.FormatInt(int64(sec), 10) + "s"
	return out
}
