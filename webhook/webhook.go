package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/use-agent/tabsleep/engine"
)

// Event types.
const (
	EventCycleCompleted = "cycle.completed"
	EventCycleSkipped   = "cycle.skipped"
)

// SignatureHeader carries the HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Tabsleep-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string `json:"type"` // "cycle.completed" or "cycle.skipped"
	CycleID   string `json:"cycle_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends a webhook event synchronously.
// The request body is signed with HMAC-SHA256 if secret is non-empty.
func Deliver(ctx context.Context, client *http.Client, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Tabsleep-Webhook/1.0")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Notifier posts cycle events to every configured endpoint. It implements
// engine.Reporter.
type Notifier struct {
	urls          []string
	secret        string
	skippedEvents bool
	client        *http.Client
	delays        []time.Duration

	wg sync.WaitGroup
}

// NewNotifier creates a Notifier. Skipped cycles are only sent when
// skippedEvents is set.
func NewNotifier(urls []string, secret string, skippedEvents bool) *Notifier {
	return &Notifier{
		urls:          urls,
		secret:        secret,
		skippedEvents: skippedEvents,
		client:        &http.Client{Timeout: 10 * time.Second},
		delays:        []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// ReportCycle implements engine.Reporter.
func (n *Notifier) ReportCycle(_ context.Context, r *engine.CycleResult) {
	if len(n.urls) == 0 {
		return
	}
	typ := EventCycleCompleted
	if r.Skipped {
		if !n.skippedEvents {
			return
		}
		typ = EventCycleSkipped
	}
	event := &Event{
		Type:      typ,
		CycleID:   r.ID,
		Timestamp: r.StartedAt.Unix(),
		Data:      r,
	}
	for _, url := range n.urls {
		n.DeliverAsync(url, event)
	}
}

// DeliverAsync sends a webhook event in the background with up to 3 retries.
// Retry intervals: 1s, 5s, 30s.
func (n *Notifier) DeliverAsync(url string, event *Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for attempt, delay := range n.delays {
			if delay > 0 {
				time.Sleep(delay)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := Deliver(ctx, n.client, url, n.secret, event)
			cancel()
			if err == nil {
				slog.Info("webhook delivered",
					"url", url,
					"event", event.Type,
					"cycle_id", event.CycleID,
					"attempt", attempt+1,
				)
				return
			}
			slog.Warn("webhook delivery failed",
				"url", url,
				"event", event.Type,
				"cycle_id", event.CycleID,
				"attempt", attempt+1,
				"error", err,
			)
		}
		slog.Error("webhook delivery exhausted all retries",
			"url", url,
			"event", event.Type,
			"cycle_id", event.CycleID,
		)
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
