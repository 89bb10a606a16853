package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/substratehq/dispatch/signature"
	"github.com/substratehq/dispatch/webhook"
)

const maxResponseBody = 1024 // 1KB cap on response body storage

// userAgent identifies the dispatch system to subscriber endpoints.
const userAgent = "Substrate-Webhook/1.0"

// Outcome classifies a delivery attempt. Callers switch on it exhaustively
// instead of inspecting ad-hoc result fields.
type Outcome int

const (
	// Success means the subscriber answered with a 2xx status.
	Success Outcome = iota

	// HTTPFailure means a response was obtained with a non-2xx status.
	HTTPFailure

	// NetworkFailure means no response was obtained: connection refused,
	// DNS failure, or timeout.
	NetworkFailure

	// SignatureSetupFailure means the webhook's signing secret is missing;
	// the network call is never made.
	SignatureSetupFailure
)

// String returns the outcome name for logs and metrics labels.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case HTTPFailure:
		return "http_failure"
	case NetworkFailure:
		return "network_failure"
	case SignatureSetupFailure:
		return "signature_setup_failure"
	default:
		return "unknown"
	}
}

// Result holds the classified outcome of a single delivery attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Body       string // response body, capped at maxResponseBody
	Error      string
	Duration   time.Duration
}

// Sender performs one signed HTTP webhook delivery attempt.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender with the given per-attempt HTTP timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{Timeout: timeout},
	}
}

// Send delivers the payload to the webhook's URL and classifies the result.
// It signs d.Payload byte-for-byte, so the receiver can verify the
// signature over the body it reads off the wire.
func (s *Sender) Send(ctx context.Context, wh *webhook.Webhook, d *Delivery) Result {
	if wh.Secret == "" {
		return Result{
			Outcome: SignatureSetupFailure,
			Error:   "webhook has no signing secret",
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return Result{
			Outcome: NetworkFailure,
			Error:   fmt.Sprintf("create request: %v", err),
		}
	}

	// Standard headers.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event-Type", d.EventType)
	req.Header.Set("X-Webhook-Delivery-ID", d.ID.String())
	req.Header.Set(signature.Header, signature.Sign(wh.Secret, d.Payload))

	// Custom webhook headers.
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req) //nolint:gosec // G107: destination URL comes from the webhook registration
	elapsed := time.Since(start)

	if err != nil {
		return Result{
			Outcome:  NetworkFailure,
			Error:    err.Error(),
			Duration: elapsed,
		}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if readErr != nil {
		body = nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{
			Outcome:    Success,
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Duration:   elapsed,
		}
	}

	return Result{
		Outcome:    HTTPFailure,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Error:      fmt.Sprintf("subscriber returned %s", resp.Status),
		Duration:   elapsed,
	}
}
