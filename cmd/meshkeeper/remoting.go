package main

import (
	"context"
	"fmt"

	"github.com/chirino/meshkeeper-sub000/internal/config"
	"github.com/chirino/meshkeeper-sub000/internal/registry/dial"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
)

// openDistributor connects to the configured registry as owner and starts an
// exporter. The caller owns the result and must Destroy it.
func openDistributor(ctx context.Context, cfg *config.Config, owner string, rc config.RemotingConfig) (*remoting.Distributor, error) {
	store, err := dial.Open(cfg.Registry.URI, dial.Options{
		Token:      cfg.Registry.Token,
		Owner:      owner,
		SessionTTL: cfg.Registry.SessionTTL,
		PollWait:   cfg.Registry.PollWait,
	})
	if err != nil {
		return nil, &syntaxError{err: err}
	}
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("connect registry %s: %w", cfg.Registry.URI, err)
	}

	exporter := remoting.NewHTTPExporter(remoting.ExporterConfig{
		Listen:    rc.Listen,
		Advertise: rc.Advertise,
		APIKey:    rc.Token,
	})
	if err := exporter.Start(ctx); err != nil {
		_ = store.Destroy(ctx)
		return nil, err
	}
	return remoting.NewDistributor(exporter, store, remoting.NewCaller(rc.Token, nil)), nil
}
