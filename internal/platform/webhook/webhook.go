// Package webhook delivers signed JSON events to a single downstream
// endpoint and keeps a bounded log of recent delivery attempts.
package webhook

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
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Delivery statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Signature and metadata headers sent with every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-Event-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

const defaultLogSize = 100

var ErrDeliveryFailed = errors.New("webhook delivery failed")

// Event is the envelope posted to the endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryAttempt records a single delivery.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	EventID      string        `json:"event_id"`
	EventType    string        `json:"event_type"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

// WithLogSize bounds the number of attempts kept in memory.
func WithLogSize(size int) Option {
	return func(n *Notifier) { n.logSize = size }
}

// Notifier posts events to one endpoint. An empty secret sends unsigned
// requests.
type Notifier struct {
	url        string
	secret     string
	httpClient *http.Client
	log        zerolog.Logger
	logSize    int

	mu       sync.RWMutex
	attempts []*DeliveryAttempt
}

func NewNotifier(endpoint, secret string, opts ...Option) (*Notifier, error) {
	if err := ValidateURL(endpoint); err != nil {
		return nil, err
	}
	n := &Notifier{
		url:        endpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        zerolog.Nop(),
		logSize:    defaultLogSize,
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Send wraps payload in an Event and delivers it once. A non-2xx response or
// transport fault returns ErrDeliveryFailed; the attempt is logged either way.
func (n *Notifier) Send(ctx context.Context, eventType string, payload interface{}) (*DeliveryAttempt, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	body, _ := json.Marshal(event)

	attempt := &DeliveryAttempt{
		ID:        uuid.New().String(),
		EventID:   event.ID,
		EventType: eventType,
		CreatedAt: event.Timestamp,
	}
	defer n.record(attempt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return n.fail(attempt, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderTimestamp, event.Timestamp.Format(time.RFC3339))
	if n.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(body, n.secret))
	}

	start := time.Now()
	resp, err := n.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		return n.fail(attempt, err.Error())
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(bodyBytes)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return n.fail(attempt, fmt.Sprintf("non-2xx response: %d", resp.StatusCode))
	}
	attempt.Status = StatusSuccess
	n.log.Debug().Str("event_id", event.ID).Str("event_type", eventType).Int("status", resp.StatusCode).Msg("webhook delivered")
	return attempt, nil
}

func (n *Notifier) fail(attempt *DeliveryAttempt, reason string) (*DeliveryAttempt, error) {
	attempt.Status = StatusFailed
	attempt.Error = reason
	n.log.Warn().Str("event_id", attempt.EventID).Str("event_type", attempt.EventType).Str("error", reason).Msg("webhook delivery failed")
	return attempt, fmt.Errorf("%w: %s", ErrDeliveryFailed, reason)
}

func (n *Notifier) record(attempt *DeliveryAttempt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts = append(n.attempts, attempt)
	if over := len(n.attempts) - n.logSize; over > 0 {
		n.attempts = append([]*DeliveryAttempt(nil), n.attempts[over:]...)
	}
}

// Deliveries returns logged attempts, newest first.
func (n *Notifier) Deliveries() []*DeliveryAttempt {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*DeliveryAttempt, len(n.attempts))
	for i, a := range n.attempts {
		out[len(n.attempts)-1-i] = a
	}
	return out
}

// Handler exposes the delivery log.
type Handler struct {
	notifier *Notifier
}

func NewHandler(n *Notifier) *Handler {
	return &Handler{notifier: n}
}

// RegisterRoutes registers webhook endpoints on the provided group.
//
//	GET /api/v1/webhook/deliveries - Recent delivery attempts
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/webhook/deliveries", h.ListDeliveries)
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	deliveries := h.notifier.Deliveries()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  deliveries,
		"total": len(deliveries),
	})
}
