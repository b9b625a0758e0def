//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// initTailscale serves the gateway mux on a tsnet node so the tailnet
// can reach it without exposing a public port. Auth key from env only.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler, logger *slog.Logger) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		AuthKey:   os.Getenv("TS_AUTHKEY"),
		Ephemeral: cfg.Tailscale.Ephemeral,
		Logf:      func(string, ...interface{}) {},
	}
	if cfg.Tailscale.StateDir != "" {
		srv.Dir = config.ExpandHome(cfg.Tailscale.StateDir)
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		logger.Warn("tailscale listener unavailable", "error", err)
		srv.Close()
		return nil
	}
	logger.Info("tailscale listener up", "hostname", cfg.Tailscale.Hostname)

	go func() {
		if err := http.Serve(ln, mux); err != nil {
			logger.Warn("tailscale serve stopped", "error", err)
		}
	}()
	return func() {
		ln.Close()
		srv.Close()
	}
}
