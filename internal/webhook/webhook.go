package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hashpass/internal/config"
	"hashpass/internal/logger"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

// Notifier posts win notifications to an operator-configured endpoint.
// Delivery is best-effort: failures are retried with exponential backoff,
// logged, and never surfaced to the winning client.
type Notifier struct {
	url   string
	token string
	httpc *http.Client
	log   *logger.Logger
}

func New(cfg *config.WebhookConfig, log *logger.Logger) *Notifier {
	return &Notifier{
		url:   cfg.URL,
		token: cfg.Token,
		httpc: &http.Client{Timeout: requestTimeout},
		log:   log,
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

type payload struct {
	VisitorID  string `json:"visitor_id"`
	InviteCode string `json:"invite_code"`
}

// Notify delivers a win notification, retrying up to maxAttempts with
// exponential backoff. Intended to run on its own goroutine.
func (n *Notifier) Notify(ctx context.Context, visitorID, inviteCode string) {
	if !n.Enabled() {
		return
	}

	body, err := json.Marshal(payload{VisitorID: visitorID, InviteCode: inviteCode})
	if err != nil {
		n.log.Errorf("webhook", "marshal payload: %v", err)
		return
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := n.post(ctx, body); err != nil {
			n.log.Warnf("webhook", "delivery failed: %v (attempt %d/%d)", err, attempt, maxAttempts)
			return err
		}
		return nil
	}, policy)

	if err != nil {
		n.log.Errorf("webhook", "failed after %d attempts -> %s", maxAttempts, n.url)
		return
	}
	n.log.Infof("webhook", "sent successfully -> %s", n.url)
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}
