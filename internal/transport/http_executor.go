package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
)

// HTTPExecutor posts mutations to per-kind routes on the configured
// base URL. The mutation ID travels as an Idempotency-Key header so the
// server can deduplicate redelivery after an interrupted call, and the
// creation timestamp travels as X-Created-At so the server can order
// last-write-wins updates.
type HTTPExecutor struct {
	cfg    config.ExecutorConfig
	client *http.Client
	logger *events.Logger
}

// ackResponse is the server's acknowledgement body. All fields are
// optional; an empty 2xx body still acknowledges.
type ackResponse struct {
	ID       string    `json:"id"`
	SyncedAt time.Time `json:"synced_at"`
}

// NewHTTPExecutor creates an executor from config.
func NewHTTPExecutor(cfg config.ExecutorConfig, logger *events.Logger) *HTTPExecutor {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPExecutor{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger.WithField("component", "http_executor"),
	}
}

// Execute performs one delivery attempt.
func (e *HTTPExecutor) Execute(ctx context.Context, m *models.QueuedMutation) (*models.Ack, error) {
	url := e.cfg.BaseURL + e.cfg.RouteFor(string(m.Kind))

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(m.Payload))
	if err != nil {
		return nil, models.Permanent(models.ErrCodeUnknown, fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Idempotency-Key", m.ID)
	req.Header.Set("X-Created-At", m.CreatedAt.UTC().Format(time.RFC3339Nano))
	if sid := events.GetSessionID(ctx); sid != "" {
		req.Header.Set("X-Sync-Session", sid)
	}
	for key, value := range e.cfg.Headers {
		req.Header.Set(key, value)
	}

	e.logger.WithFields(map[string]interface{}{
		"mutation_id": m.ID,
		"kind":        string(m.Kind),
		"url":         url,
		"size":        len(m.Payload),
	}).Debug("Delivering mutation")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Transient(models.ErrCodeNetwork, fmt.Errorf("read response: %w", err))
	}

	e.logger.WithFields(map[string]interface{}{
		"mutation_id": m.ID,
		"status":      resp.StatusCode,
		"size":        len(body),
	}).Debug("Delivery response")

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	ack := &models.Ack{MutationID: m.ID}
	var parsed ackResponse
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		ack.ServerID = parsed.ID
		ack.SyncedAt = parsed.SyncedAt
	}
	return ack, nil
}

// classifyTransportError maps request failures to the error taxonomy.
// The outcome of a timed-out or torn-down call is unknown, so these are
// always transient.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Transient(models.ErrCodeTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return models.Transient(models.ErrCodeTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return models.Transient(models.ErrCodeUnknown, err)
	}
	return models.Transient(models.ErrCodeNetwork, err)
}

// classifyStatus maps response codes to the error taxonomy. Nil means
// acknowledged.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout:
		return models.Transient(models.ErrCodeTimeout, fmt.Errorf("HTTP %d: %s", status, body))
	case status == http.StatusTooManyRequests:
		return models.Transient(models.ErrCodeRateLimit, fmt.Errorf("HTTP %d: %s", status, body))
	case status >= 500:
		return models.Transient(models.ErrCodeServer, fmt.Errorf("HTTP %d: %s", status, body))
	case status == http.StatusConflict:
		return models.Permanent(models.ErrCodeConflict, fmt.Errorf("HTTP %d: %s", status, body))
	default:
		return models.Permanent(models.ErrCodeRejected, fmt.Errorf("HTTP %d: %s", status, body))
	}
}
