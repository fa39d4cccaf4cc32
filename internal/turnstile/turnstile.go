package turnstile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"hashpass/internal/config"
	"hashpass/internal/logger"
)

// siteverifyURL is the Cloudflare Turnstile verification endpoint.
const siteverifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// Cloudflare's documented always-pass test keys.
const (
	TestSiteKey   = "1x00000000000000000000AA"
	TestSecretKey = "1x0000000000000000000000000000000AA"
)

// Verifier checks a one-shot human-challenge token. Verification fails
// closed: a provider error rejects the token.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, string)
}

// Client talks to the Cloudflare siteverify API. In test mode it accepts
// every token without a network call; test mode is a production feature for
// local deployments, not a testing shortcut.
type Client struct {
	siteKey   string
	secretKey string
	testMode  bool
	httpc     *http.Client
	log       *logger.Logger
}

func New(cfg *config.TurnstileConfig, log *logger.Logger) *Client {
	c := &Client{
		siteKey:   cfg.SiteKey,
		secretKey: cfg.SecretKey,
		testMode:  cfg.TestMode,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
	if c.testMode {
		c.siteKey = TestSiteKey
		c.secretKey = TestSecretKey
		log.Info("turnstile", "running in TEST MODE - all tokens will pass")
	}
	return c
}

func (c *Client) SiteKey() string { return c.siteKey }
func (c *Client) TestMode() bool  { return c.testMode }

type siteverifyRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
	RemoteIP string `json:"remoteip,omitempty"`
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks token against the provider. Returns (ok, reason); reason is
// set only on rejection.
func (c *Client) Verify(ctx context.Context, token, remoteIP string) (bool, string) {
	if token == "" {
		return false, "Missing Turnstile token"
	}
	if c.testMode {
		return true, ""
	}

	body, err := json.Marshal(siteverifyRequest{
		Secret:   c.secretKey,
		Response: token,
		RemoteIP: remoteIP,
	})
	if err != nil {
		return false, fmt.Sprintf("Turnstile verification error: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, siteverifyURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Sprintf("Turnstile verification error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.log.Errorf("turnstile", "siteverify request failed: %v", err)
		return false, fmt.Sprintf("Turnstile API error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Errorf("turnstile", "siteverify returned status %d", resp.StatusCode)
		return false, fmt.Sprintf("Turnstile API error: status %d", resp.StatusCode)
	}

	var result siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Sprintf("Turnstile verification error: %v", err)
	}

	if !result.Success {
		c.log.Warnf("turnstile", "verification failed: %v", result.ErrorCodes)
		return false, "Turnstile verification failed: " + strings.Join(result.ErrorCodes, ", ")
	}

	c.log.Infof("turnstile", "token verified for IP %s", remoteIP)
	return true, ""
}

// Static is a fixed-outcome verifier for tests.
type Static struct {
	OK     bool
	Reason string
}

func (s Static) Verify(context.Context, string, string) (bool, string) {
	return s.OK, s.Reason
}
