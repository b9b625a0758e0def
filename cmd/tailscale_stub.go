//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// initTailscale is a no-op unless built with -tags tsnet.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler, logger *slog.Logger) func() {
	if cfg.Tailscale.Hostname != "" {
		logger.Warn("tailscale configured but this build lacks tsnet support; rebuild with -tags tsnet")
	}
	return nil
}
