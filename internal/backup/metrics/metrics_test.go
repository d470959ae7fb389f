package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorders(t *testing.T) {
	RecordUpload(true)
	RecordUpload(false)
	RecordDeletes(3)
	RecordPass(1500*time.Millisecond, true)
	RecordBlobOperation("local", "put", time.Millisecond, true)

	body := scrape(t)
	assert.Contains(t, body, `bsync_uploads_total{status="success"}`)
	assert.Contains(t, body, `bsync_uploads_total{status="error"}`)
	assert.Contains(t, body, "bsync_deleted_files_total")
	assert.Contains(t, body, `bsync_pass_duration_seconds_count{status="success"}`)
	assert.Contains(t, body, `bsync_store_blob_operation_duration_seconds_count{backend="local",operation="put",status="success"}`)
}

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/File/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handler := Middleware(mux)

	for _, path := range []string{"/api/File/1", "/api/File/2", "/nowhere"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t)
	assert.Contains(t, body, `bsync_store_http_requests_total{method="GET",path="GET /api/File/{id}",status="404"} 2`)
	assert.Contains(t, body, `path="unmatched"`)
	assert.NotContains(t, body, `path="/api/File/1"`)
}
