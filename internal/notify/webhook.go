package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kocbridge/escrow/internal/retry"
)

// ErrQueueFull is returned when the delivery queue cannot take more events.
var ErrQueueFull = errors.New("notify: delivery queue full")

// Header names set on each delivery.
const (
	HeaderEvent     = "X-KOC-Event"
	HeaderTimestamp = "X-KOC-Timestamp"
	HeaderSignature = "X-KOC-Signature"
)

// WebhookNotifier POSTs events as JSON to a relay URL, signing the body
// with HMAC-SHA256. Notify only enqueues; a background worker delivers
// with retries so a slow relay never stalls the engine.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
	logger *slog.Logger

	queue chan *Event
	wg    sync.WaitGroup
	once  sync.Once
}

// NewWebhookNotifier creates a notifier delivering to url. Call Start to
// begin delivery and Stop to drain.
func NewWebhookNotifier(url, secret string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{Attempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		logger: logger,
		queue:  make(chan *Event, 1024),
	}
}

// Start launches the delivery worker. It stops when ctx is done or Stop is
// called.
func (w *WebhookNotifier) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.queue:
				if !ok {
					return
				}
				if err := w.Send(ctx, ev); err != nil {
					w.logger.Warn("notification delivery failed", "event", string(ev.Type), "event_id", ev.ID, "error", err)
				}
			}
		}
	}()
}

// Stop closes the queue and waits for queued events to be delivered.
func (w *WebhookNotifier) Stop() {
	w.once.Do(func() { close(w.queue) })
	w.wg.Wait()
}

// Notify enqueues ev for delivery.
func (w *WebhookNotifier) Notify(_ context.Context, ev *Event) error {
	select {
	case w.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Send delivers ev synchronously with retries. 4xx answers are final.
func (w *WebhookNotifier) Send(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	return retry.Do(ctx, w.policy, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, string(ev.Type))
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
		if w.secret != "" {
			req.Header.Set(HeaderSignature, Sign(payload, w.secret))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return retry.Permanent(fmt.Errorf("notify: relay answered %d", resp.StatusCode))
		default:
			return fmt.Errorf("notify: relay answered %d", resp.StatusCode)
		}
	})
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
