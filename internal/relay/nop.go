package relay

import (
	"context"
	"log/slog"
)

// NopConfigurator is used when relay management is disabled.
type NopConfigurator struct {
	log *slog.Logger
}

func NewNopConfigurator(log *slog.Logger) *NopConfigurator {
	return &NopConfigurator{log: log}
}

func (n *NopConfigurator) EnsureStreamsConfigured(_ context.Context, address string) bool {
	n.log.Debug("relay management disabled", "event", "relay_skipped", "address", address)
	return true
}
