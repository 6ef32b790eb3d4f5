package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/storecast/workq/common"
	"github.com/storecast/workq/configs"
	"github.com/storecast/workq/db"
	"github.com/storecast/workq/metrics"
	"github.com/storecast/workq/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type messageResponse struct {
	ID           string          `json:"id"`
	Message      json.RawMessage `json:"message"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	RetryCount   int             `json:"retryCount"`
	ConsumerID   string          `json:"consumerId"`
	ErrorMessage string          `json:"errorMessage"`
}

func newTestServer(t *testing.T, mutate func(*configs.AppConfigs)) *httptest.Server {
	t.Helper()

	repo, err := db.NewSQLiteRepo(filepath.Join(t.TempDir(), "workq.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })

	appConfigs := configs.NewAppConfig()
	if mutate != nil {
		mutate(appConfigs)
	}

	registry := prometheus.NewRegistry()
	metricsService := metrics.NewMetricsService(true, registry)
	queuesService := services.NewQueuesService(repo, appConfigs, metricsService)
	messagesService := services.NewMessagesService(queuesService, appConfigs)
	monitoringService := services.NewMonitoringService(repo)

	router := NewRouter(messagesService, queuesService, monitoringService, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), testSecret)
	server := httptest.NewServer(router.NewRouter())
	t.Cleanup(server.Close)
	return server
}

func doRequest(t *testing.T, server *httptest.Server, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testSecret)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthcheck(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := server.Client().Get(server.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_RequiresAPIKey(t *testing.T) {
	server := newTestServer(t, nil)

	resp := doRequest(t, server, http.MethodGet, "/api/v1/queues/emails/messages", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, common.ErrCodeUnauthorized, decode[common.ErrorResponse](t, resp).Code)
}

func TestAPI_InvalidQueueName(t *testing.T) {
	server := newTestServer(t, nil)

	resp := doRequest(t, server, http.MethodGet, "/api/v1/queues/bad%20name/messages", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_MessageLifecycle(t *testing.T) {
	server := newTestServer(t, nil)

	resp := doRequest(t, server, http.MethodPost, "/api/v1/queues/emails/messages",
		map[string]any{"message": map[string]string{"to": "a@b.c"}, "priority": 3}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[messageResponse](t, resp)
	assert.Equal(t, common.PendingStatus, created.Status)
	assert.Equal(t, 3, created.Priority)
	assert.JSONEq(t, `{"to":"a@b.c"}`, string(created.Message))

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/emails/messages/peek", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decode[messageResponse](t, resp).ID)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/emails/messages", nil, map[string]string{"X-Consumer-Id": "remote-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claimed := decode[messageResponse](t, resp)
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, common.ProcessingStatus, claimed.Status)
	assert.Equal(t, "remote-1", claimed.ConsumerID)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/emails/messages", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/queues/emails/messages/"+created.ID+"/ack", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/queues/emails/messages/"+created.ID+"/ack", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, common.ErrCodeMessageNotInFlight, decode[common.ErrorResponse](t, resp).Code)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/emails/messages/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, common.CompletedStatus, decode[messageResponse](t, resp).Status)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/emails/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, m["totalMessages"])
	assert.EqualValues(t, 1, m["processedMessages"])
}

func TestAPI_NackDeadLetters(t *testing.T) {
	server := newTestServer(t, func(c *configs.AppConfigs) {
		c.QueueDefaults.MaxRetries = 1
	})

	resp := doRequest(t, server, http.MethodPost, "/api/v1/queues/jobs/messages", map[string]any{"message": "payload"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[messageResponse](t, resp)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/jobs/messages", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/queues/jobs/messages/"+created.ID+"/nack", map[string]string{"error": "broken"}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/jobs/dead-letters?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deadLetters := decode[[]map[string]any](t, resp)
	require.Len(t, deadLetters, 1)
	assert.Equal(t, created.ID, deadLetters[0]["originalMessageId"])
	assert.Equal(t, "broken", deadLetters[0]["errorMessage"])
	assert.Equal(t, "payload", deadLetters[0]["message"])

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/jobs/dead-letters?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_EnqueueErrors(t *testing.T) {
	server := newTestServer(t, func(c *configs.AppConfigs) {
		c.QueueDefaults.MaxSize = 1
		c.MessageMaxSizeBytes = 16
	})

	resp := doRequest(t, server, http.MethodPost, "/api/v1/queues/tiny/messages", map[string]any{"message": "this payload is far too long"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, common.ErrCodeBadRequestPayloadTooLarge, decode[common.ErrorResponse](t, resp).Code)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/queues/tiny/messages", map[string]any{"priority": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/queues/tiny/messages", map[string]any{"message": 1}, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/queues/tiny/messages", map[string]any{"message": 2}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, common.ErrCodeQueueFull, decode[common.ErrorResponse](t, resp).Code)
}

func TestAPI_UnknownMessage(t *testing.T) {
	server := newTestServer(t, nil)

	resp := doRequest(t, server, http.MethodGet, "/api/v1/queues/emails/messages/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/queues/emails/messages/nope/ack", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ReadsDoNotCreateQueues(t *testing.T) {
	server := newTestServer(t, nil)

	for _, path := range []string{
		"/api/v1/queues/ghost/metrics",
		"/api/v1/queues/ghost/dead-letters",
		"/api/v1/queues/ghost/messages/peek",
		"/api/v1/queues/ghost/messages/some-id",
	} {
		resp := doRequest(t, server, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, common.ErrCodeNotFoundQueue, decode[common.ErrorResponse](t, resp).Code, path)
	}

	resp := doRequest(t, server, http.MethodPost, "/api/v1/queues/ghost/messages/some-id/ack", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/ghost/messages", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// still unknown after all of the above
	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/ghost/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, server, http.MethodPost, "/api/v1/queues/ghost/messages", map[string]any{"message": "boo"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, server, http.MethodGet, "/api/v1/queues/ghost/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	resp := doRequest(t, server, http.MethodPost, "/api/v1/queues/emails/messages", map[string]any{"message": "hi"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	metricsResp, err := server.Client().Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `workq_messages_enqueued_total{queue_name="emails"} 1`)
}
