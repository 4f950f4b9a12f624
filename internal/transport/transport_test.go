package transport_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenhealth/syncbox/internal/config"
	"github.com/lumenhealth/syncbox/internal/events"
	"github.com/lumenhealth/syncbox/internal/models"
	"github.com/lumenhealth/syncbox/internal/transport"
)

func testLogger() *events.Logger {
	return events.NewTestLogger(events.ErrorLevel, "text", &bytes.Buffer{})
}

func testMutation(t *testing.T, kind models.Kind, payload string) *models.QueuedMutation {
	t.Helper()
	m, err := models.NewQueuedMutation(kind, []byte(payload), "", time.Now())
	require.NoError(t, err)
	return m
}

func executorConfig(baseURL string) config.ExecutorConfig {
	cfg := config.DefaultConfig().Executor
	cfg.BaseURL = baseURL
	cfg.Timeout = 5 * time.Second
	return cfg
}

func TestExecuteAcknowledged(t *testing.T) {
	var gotMethod, gotPath, gotIdempotency, gotCreatedAt, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotIdempotency = r.Header.Get("Idempotency-Key")
		gotCreatedAt = r.Header.Get("X-Created-At")
		gotContentType = r.Header.Get("Content-Type")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id": "srv-123", "synced_at": "2026-08-25T10:00:00Z"}`))
	}))
	defer srv.Close()

	executor := transport.NewHTTPExecutor(executorConfig(srv.URL), testLogger())
	m := testMutation(t, models.KindMoodLog, `{"mood":7}`)

	ack, err := executor.Execute(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/v1/moods", gotPath)
	assert.Equal(t, m.ID, gotIdempotency)
	assert.Equal(t, "application/json", gotContentType)

	createdAt, err := time.Parse(time.RFC3339Nano, gotCreatedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, m.CreatedAt, createdAt, time.Second)

	assert.Equal(t, m.ID, ack.MutationID)
	assert.Equal(t, "srv-123", ack.ServerID)
	assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), ack.SyncedAt)
}

func TestExecuteRouteFallback(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	executor := transport.NewHTTPExecutor(executorConfig(srv.URL), testLogger())
	m := testMutation(t, models.Kind("journal_entry"), `{"text":"hi"}`)

	ack, err := executor.Execute(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, m.ID, ack.MutationID)
	assert.Empty(t, ack.ServerID)

	// Kinds without a configured route use the generic mutations path.
	assert.Equal(t, "/v1/mutations", gotPath)
}

func TestExecuteStatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
		wantCode      string
	}{
		{"408 request timeout retries", http.StatusRequestTimeout, true, models.ErrCodeTimeout},
		{"429 rate limit retries", http.StatusTooManyRequests, true, models.ErrCodeRateLimit},
		{"500 retries", http.StatusInternalServerError, true, models.ErrCodeServer},
		{"502 retries", http.StatusBadGateway, true, models.ErrCodeServer},
		{"503 retries", http.StatusServiceUnavailable, true, models.ErrCodeServer},
		{"400 rejects", http.StatusBadRequest, false, models.ErrCodeRejected},
		{"403 rejects", http.StatusForbidden, false, models.ErrCodeRejected},
		{"404 rejects", http.StatusNotFound, false, models.ErrCodeRejected},
		{"409 conflicts", http.StatusConflict, false, models.ErrCodeConflict},
		{"422 rejects", http.StatusUnprocessableEntity, false, models.ErrCodeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": "nope"}`))
			}))
			defer srv.Close()

			executor := transport.NewHTTPExecutor(executorConfig(srv.URL), testLogger())
			m := testMutation(t, models.KindGenericRequest, `{}`)

			_, err := executor.Execute(context.Background(), m)
			require.Error(t, err)

			assert.Equal(t, tt.wantTransient, models.IsTransient(err))
			assert.Equal(t, !tt.wantTransient, models.IsPermanent(err))

			var cerr *models.ClassifiedError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.wantCode, cerr.Code)
			assert.Contains(t, cerr.Err.Error(), "nope")
		})
	}
}

func TestExecuteConnectionError(t *testing.T) {
	cfg := executorConfig("http://127.0.0.1:1")

	executor := transport.NewHTTPExecutor(cfg, testLogger())
	m := testMutation(t, models.KindMoodLog, `{"mood":2}`)

	_, err := executor.Execute(context.Background(), m)
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))

	var cerr *models.ClassifiedError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeNetwork, cerr.Code)
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := executorConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond

	executor := transport.NewHTTPExecutor(cfg, testLogger())
	m := testMutation(t, models.KindMoodLog, `{"mood":4}`)

	start := time.Now()
	_, err := executor.Execute(context.Background(), m)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, models.IsTransient(err))
	var cerr *models.ClassifiedError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, models.ErrCodeTimeout, cerr.Code)
}

func TestMockExecutorScripts(t *testing.T) {
	mock := transport.NewMockExecutor()
	m := testMutation(t, models.KindMoodLog, `{"mood":9}`)

	mock.Script(m.ID,
		models.Transient(models.ErrCodeServer, errors.New("boom")),
		nil,
	)

	_, err := mock.Execute(context.Background(), m)
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))

	ack, err := mock.Execute(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, m.ID, ack.MutationID)
	assert.NotEmpty(t, ack.ServerID)

	// Script exhausted: falls back to the default outcome.
	_, err = mock.Execute(context.Background(), m)
	assert.NoError(t, err)

	assert.Equal(t, 3, mock.CallCount())
	assert.Equal(t, 3, mock.CallsFor(m.ID))
	assert.Equal(t, []string{m.ID, m.ID, m.ID}, mock.CalledIDs())
}

func TestMockExecutorDefaultError(t *testing.T) {
	mock := transport.NewMockExecutor()
	mock.DefaultErr = models.Transient(models.ErrCodeNetwork, errors.New("no route"))

	m := testMutation(t, models.KindMemoryUpload, `{"note":"x"}`)
	_, err := mock.Execute(context.Background(), m)
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
}
