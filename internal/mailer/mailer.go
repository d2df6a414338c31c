// Package mailer delivers transactional email through an HTTP API, with
// bounded retries and a circuit breaker isolating provider outages.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/apperror"
	"github.com/harborauth/harbor/internal/breaker"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Client posts messages to a Resend-compatible JSON endpoint.
type Client struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	from       string
	logger     *zap.Logger
}

// NewClient constructs an HTTP mail client.
func NewClient(apiURL, apiKey, from string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.L()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiURL:     apiURL,
		apiKey:     apiKey,
		from:       from,
		logger:     logger,
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Send posts the message once. Callers wanting retries wrap the client in a
// RetrySender.
func (c *Client) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(sendRequest{
		From:    c.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("encode mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mail provider returned %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}

// RetrySender wraps a Sender with fixed-attempt exponential backoff and a
// circuit breaker. Exhausted retries surface as an ExternalService error.
type RetrySender struct {
	sender   Sender
	breaker  *breaker.Breaker
	attempts int
	baseWait time.Duration
	logger   *zap.Logger

	sleep func(context.Context, time.Duration)
}

// NewRetrySender wraps sender. attempts defaults to 3 and baseWait to 1s.
func NewRetrySender(sender Sender, b *breaker.Breaker, attempts int, baseWait time.Duration, logger *zap.Logger) *RetrySender {
	if attempts <= 0 {
		attempts = 3
	}
	if baseWait <= 0 {
		baseWait = time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &RetrySender{
		sender:   sender,
		breaker:  b,
		attempts: attempts,
		baseWait: baseWait,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Send attempts delivery up to the configured attempt count, doubling the
// wait between attempts. A breaker-open rejection stops retrying early.
func (r *RetrySender) Send(ctx context.Context, msg Message) error {
	var lastErr error
	wait := r.baseWait

	for attempt := 1; attempt <= r.attempts; attempt++ {
		err := r.execute(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if apperror.IsKind(err, apperror.KindServiceUnavailable) {
			// Breaker is open; further attempts would be rejected too.
			break
		}
		r.logger.Warn("mail send attempt failed",
			zap.Int("attempt", attempt),
			zap.String("to", msg.To),
			zap.Error(err),
		)
		if attempt < r.attempts {
			r.sleep(ctx, wait)
			wait *= 2
		}
	}
	return apperror.ExternalService("Failed to send email. Please try again later.", lastErr)
}

func (r *RetrySender) execute(ctx context.Context, msg Message) error {
	if r.breaker == nil {
		return r.sender.Send(ctx, msg)
	}
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.sender.Send(ctx, msg)
	})
}
