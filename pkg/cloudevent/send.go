package cloudevent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// Sender posts CloudEvents in structured mode.
type Sender struct {
	client *resty.Client
}

// NewSender creates a sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Sender{
		client: resty.New().SetTimeout(timeout).SetTransport(transport),
	}
}

// Send posts event to url. When signingKey is set the body is signed.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, signingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/cloudevents+json").
		SetHeader("Ce-Specversion", event.SpecVersion).
		SetHeader("Ce-Type", event.Type).
		SetHeader("Ce-Source", event.Source).
		SetHeader("Ce-Id", event.ID).
		SetHeader("Ce-Time", event.Time.Format(time.RFC3339)).
		SetBody(body)
	if event.Subject != "" {
		req.SetHeader("Ce-Subject", event.Subject)
	}
	if signingKey != "" {
		req.SetHeader(SignatureHeader, Sign(body, signingKey))
	}

	resp, err := req.Post(url)
	if err != nil {
		return fmt.Errorf("deliver event: %w", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode()}
}

// Sign returns the "sha256=<hex>" HMAC of payload under key.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError is a non-2xx delivery response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError reports 4xx responses, which are not retried.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
