// Package notify forwards terminal run events to a configured webhook
// endpoint, signing payloads with HMAC-SHA256 when a secret is set.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/bus"
	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/pkg/models"
)

// Notifier consumes run events off the bus and posts the terminal ones
// to the webhook URL.
type Notifier struct {
	cfg    config.WebhookConfig
	bus    *bus.Bus
	client *http.Client
}

// New creates a notifier. It does nothing until Start is called.
func New(b *bus.Bus, cfg config.WebhookConfig) *Notifier {
	return &Notifier{
		cfg:    cfg,
		bus:    b,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.cfg.URL != "" }

// Start consumes run events until ctx is cancelled. Deliveries are
// sequential; the bus drops frames for slow consumers, so a dead
// endpoint cannot back up the runtime.
func (n *Notifier) Start(ctx context.Context) {
	if !n.Enabled() {
		log.Debug().Msg("Webhook notifier disabled")
		return
	}

	ch := n.bus.Subscribe(bus.TopicEvents)
	defer n.bus.Unsubscribe(bus.TopicEvents, ch)
	log.Info().Str("url", n.cfg.URL).Msg("Webhook notifier started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Webhook notifier stopped")
			return
		case evt := <-ch:
			if !terminalUpdate(evt) {
				continue
			}
			if err := n.deliver(ctx, evt); err != nil {
				log.Warn().
					Err(err).
					Str("run_id", runID(evt)).
					Msg("Webhook delivery failed")
			}
		}
	}
}

func terminalUpdate(evt models.Event) bool {
	if evt.Type != models.EventExecutionUpdate {
		return false
	}
	status, _ := evt.Data["status"].(string)
	return models.RunStatus(status).IsTerminal()
}

func runID(evt models.Event) string {
	id, _ := evt.Data["run_id"].(string)
	return id
}

// deliver posts one event, retrying transient failures with exponential
// backoff. Client errors other than 429 are not retried.
func (n *Notifier) deliver(ctx context.Context, evt models.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Kiln-Webhook/1.0")
		req.Header.Set("X-Kiln-Event", evt.Type)
		if owner, ok := evt.Data["owner_id"].(string); ok && owner != "" {
			req.Header.Set("X-Kiln-Owner", owner)
		}
		if n.cfg.Secret != "" {
			req.Header.Set("X-Kiln-Signature", Sign(n.cfg.Secret, body))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, n.cfg.URL)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}

	log.Debug().
		Str("run_id", runID(evt)).
		Msg("Webhook delivered")
	return nil
}

// Sign returns the signature header value for a payload: "sha256=" plus
// the hex HMAC-SHA256 of the body under the shared secret. Receivers
// recompute it to authenticate deliveries.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
