// Command sniproxy is the process entrypoint: it loads configuration,
// starts the SNI-routed TLS passthrough listener and the observability
// sidecar, reloads the route table and allow-list on SIGHUP, and drains on
// SIGTERM/SIGINT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ubnt-mirror/sni-proxy/internal/config"
	"github.com/ubnt-mirror/sni-proxy/internal/server"
	"github.com/ubnt-mirror/sni-proxy/internal/sidecar"
	"github.com/ubnt-mirror/sni-proxy/internal/stats"
	"github.com/ubnt-mirror/sni-proxy/internal/ui"
)

const version = "1.0.0"

func main() {
	// .env is optional: in containers we rely on system env vars instead.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ui.Configure(cfg.LogLevel, cfg.LogPretty)
	ui.PrintBanner(version, cfg.Port, cfg.HealthPort)

	st := stats.New()

	srv, err := server.New(cfg, st)
	if err != nil {
		ui.LogStatus("error", "failed to build server: "+err.Error())
		os.Exit(1)
	}
	defer srv.Close()

	ui.LogSection("configuration")
	ui.LogStatus("info", "allow-list: "+srv.PolicyStore().Describe())
	if invalid := srv.PolicyStore().InvalidEntries(); len(invalid) > 0 {
		ui.LogStatus("warning", "dropped invalid allow-list entries: "+strings.Join(invalid, ", "))
	}
	if len(srv.PolicyStore().Rules()) == 0 {
		ui.LogStatus("warning", "allow-list is empty: every source address is admitted")
	}

	sc := sidecar.New(st, srv.RouteStore(), srv.PolicyStore(), cfg.Port)
	sc.Start(fmt.Sprintf(":%d", cfg.HealthPort), cfg.MetricsAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-sighup:
				ui.LogStatus("info", "SIGHUP received, reloading routes and allow-list...")
				if err := srv.Reload(); err != nil {
					ui.LogStatus("error", "reload failed: "+err.Error())
				} else {
					ui.LogStatus("success", "routes and allow-list reloaded")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		ui.LogStatus("warning", "shutdown signal received, draining connections...")
		sc.Shutdown(context.Background())
	}()

	ui.LogStatus("success", fmt.Sprintf("listening on :%d, sidecar on :%d, metrics on %s", cfg.Port, cfg.HealthPort, cfg.MetricsAddr))

	if err := srv.Serve(ctx, fmt.Sprintf(":%d", cfg.Port)); err != nil {
		ui.LogStatus("error", "server failed: "+err.Error())
		os.Exit(1)
	}
}
