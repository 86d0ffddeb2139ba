package admin

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditMiddleware_LogsResets(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	var seenBody string
	handler := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		seenBody = string(raw)
		w.WriteHeader(http.StatusConflict)
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/indexers/idx-a/reset", strings.NewReader(`{"got_block":5}`))
	req.SetBasicAuth("ops", "pw")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, `{"got_block":5}`, seenBody, "downstream handler still reads the body")
	out := logBuf.String()
	assert.Contains(t, out, "admin API audit")
	assert.Contains(t, out, `"user":"ops"`)
	assert.Contains(t, out, `"response_status":409`)
	assert.Contains(t, out, "/admin/v1/indexers/idx-a/reset")
}

func TestAuditMiddleware_SkipsReads(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	handler := AuditMiddleware(logger, okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/v1/indexers", nil))
	assert.Empty(t, logBuf.String())
}

func TestAuditMiddleware_TruncatesLargeBodies(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	var seen int
	handler := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		seen = len(raw)
	}))

	body := strings.Repeat("x", 3*maxAuditBodyBytes)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/v1/indexers/idx/reset", strings.NewReader(body)))

	require.Equal(t, len(body), seen)
	assert.Contains(t, logBuf.String(), "...(truncated)")
}
