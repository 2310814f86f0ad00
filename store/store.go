// Package store persists engine state as opaque key/value blobs.
//
// Key layout:
//
//	activity:<handleID>  ActivityRecord (JSON)
//	policy:allow         []string
//	policy:deny          []string
//	stats                cycle statistics
//	config               runtime settings
package store

import (
	"context"
	"fmt"
	"strings"
)

// Well-known keys.
const (
	KeyActivityPrefix = "activity:"
	KeyPolicyAllow    = "policy:allow"
	KeyPolicyDeny     = "policy:deny"
	KeyStats          = "stats"
	KeyConfig         = "config"
)

// Store is a minimal key/value persistence capability. Missing keys are
// simply absent from Get results.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, items map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open selects a backend from a URL: "memory", "sqlite://<path>" or
// "redis://...". prefix namespaces keys in redis.
func Open(ctx context.Context, rawURL, prefix string) (Store, error) {
	switch {
	case rawURL == "" || rawURL == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(rawURL, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(rawURL, "sqlite://"))
	case strings.HasPrefix(rawURL, "redis://"), strings.HasPrefix(rawURL, "rediss://"):
		return OpenRedis(ctx, rawURL, prefix)
	default:
		return nil, fmt.Errorf("store: unsupported store URL %q", rawURL)
	}
}
