// Package dial opens a registry.Store from a URI.
//
//	memory:               in-process tree
//	http://host:port      registry service
//	https://host:port     registry service over TLS
package dial

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/registry"
	"github.com/chirino/meshkeeper-sub000/internal/registry/memory"
	"github.com/chirino/meshkeeper-sub000/internal/registry/remote"
)

// Options apply to remote stores.
type Options struct {
	Token      string
	Owner      string
	SessionTTL time.Duration
	PollWait   time.Duration
}

// Open returns a stopped store for uri. Callers Start it.
func Open(uri string, opts Options) (registry.Store, error) {
	uri = strings.TrimSpace(uri)
	if uri == "memory:" || uri == "memory" {
		return memory.New(), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse registry uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("registry uri %q has no host", uri)
		}
		return remote.New(remote.Config{
			BaseURL:    uri,
			Token:      opts.Token,
			Owner:      opts.Owner,
			SessionTTL: opts.SessionTTL,
			PollWait:   opts.PollWait,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported registry uri %q", uri)
	}
}
