package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq-go"
	"github.com/relayq/relayq-go/internal/keys"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewServer(relayq.NewClient(rdb), zerolog.Nop())
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_EnqueueAndStatus(t *testing.T) {
	srv := newTestServer(t)

	body := bytes.NewBufferString(`{"task":"emails.send","args":["a@example.com"],"queue":"mail"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	require.Equal(t, "PENDING", resp.State)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/"+resp.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status relayq.ExecutionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, relayq.StatePending, status.State)
	require.Equal(t, "emails.send", status.Name)
}

func TestServer_EnqueueExpireIn(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	srv := NewServer(relayq.NewClient(rdb), zerolog.Nop())

	body := bytes.NewBufferString(`{"task":"emails.send","expire_in_ms":60000}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	members, err := mr.ZMembers(keys.Expiry(relayq.DefaultQueue))
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestServer_EnqueueValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString(`{"queue":"mail"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString(`{not json`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DuplicateID(t *testing.T) {
	srv := newTestServer(t)

	body := `{"task":"emails.send","task_id":"fixed-id"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_StatusNotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Revoke(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks",
		bytes.NewBufferString(`{"task":"emails.send","task_id":"rv-1"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/tasks/rv-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Revoked bool `json:"revoked"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Revoked)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/rv-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status relayq.ExecutionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, relayq.StateRevoked, status.State)
}
