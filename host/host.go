// Package host defines the boundary to the owner of the suspendable handles
// (browser tabs) and a Chrome implementation driven over CDP.
package host

import (
	"context"
	"errors"
	"strings"
)

// Handle is a live, host-owned tab.
type Handle struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Active    bool   `json:"active"`
	Suspended bool   `json:"suspended"`
	Audible   bool   `json:"audible"`
	// Kind is the page's og:type, when the host could read one.
	Kind string `json:"kind,omitempty"`
}

// UpdateInfo describes an OnUpdated event.
type UpdateInfo struct {
	Completed bool
	Audible   bool
}

// Listener receives host events. Implementations must be safe for
// concurrent use.
type Listener interface {
	OnActivated(id string)
	OnRemoved(id string)
	OnUpdated(id string, info UpdateInfo)
}

// ResourceHost enumerates handles and performs suspend/wake.
type ResourceHost interface {
	ListHandles(ctx context.Context) ([]Handle, error)
	// ActiveHandle returns the foreground handle, or nil when none is focused.
	ActiveHandle(ctx context.Context) (*Handle, error)
	Discard(ctx context.Context, id string) error
	Reload(ctx context.Context, id string) error
	Subscribe(l Listener)
}

// Footprinter is implemented by hosts that can measure their own resident
// memory.
type Footprinter interface {
	FootprintMB(ctx context.Context) (int64, error)
}

// ErrNotFound is returned for operations on unknown handle ids.
var ErrNotFound = errors.New("host: handle not found")

var systemPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-search://",
	"edge://",
	"about:",
	"devtools://",
	"view-source:",
}

// IsSystemURL reports whether url belongs to the browser itself and must
// never be suspended.
func IsSystemURL(url string) bool {
	u := strings.ToLower(strings.TrimSpace(url))
	if u == "" {
		return true
	}
	for _, p := range systemPrefixes {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}
