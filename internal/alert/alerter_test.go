package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:      AlertTypeUnhealthy,
		IndexerID: "idx-daily",
		Network:   "mainnet",
		Title:     "Stream failing",
		Message:   "5 consecutive failures",
		Fields:    map[string]string{"next_block": "151", "error": "connection reset"},
	}
}

type recordingAlerter struct {
	mu   sync.Mutex
	got  []Alert
	fail error
}

func (r *recordingAlerter) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return r.fail
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestMultiAlerter_FansOut(t *testing.T) {
	a, b := &recordingAlerter{}, &recordingAlerter{}
	m := NewMultiAlerter(time.Minute, testLogger(), a, b)

	require.NoError(t, m.Send(context.Background(), testAlert()))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestMultiAlerter_Cooldown(t *testing.T) {
	ch := &recordingAlerter{}
	m := NewMultiAlerter(time.Minute, testLogger(), ch)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, m.Send(ctx, testAlert()))
	require.NoError(t, m.Send(ctx, testAlert()))
	assert.Equal(t, 1, ch.count(), "same type and indexer inside cooldown is suppressed")

	other := testAlert()
	other.IndexerID = "idx-programs"
	require.NoError(t, m.Send(ctx, other))
	assert.Equal(t, 2, ch.count(), "cooldown is per indexer")

	recovery := testAlert()
	recovery.Type = AlertTypeRecovery
	require.NoError(t, m.Send(ctx, recovery))
	assert.Equal(t, 3, ch.count(), "cooldown is per type")

	now = now.Add(time.Minute)
	require.NoError(t, m.Send(ctx, testAlert()))
	assert.Equal(t, 4, ch.count())
}

func TestMultiAlerter_PartialFailure(t *testing.T) {
	broken := &recordingAlerter{fail: errors.New("boom")}
	healthy := &recordingAlerter{}
	m := NewMultiAlerter(time.Minute, testLogger(), broken, healthy)

	err := m.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Equal(t, 1, healthy.count(), "later channels still receive the alert")
}

func TestSlackAlerter_Payload(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	}))
	defer srv.Close()

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), testAlert()))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	text := payload["text"]
	assert.True(t, strings.HasPrefix(text, ":warning:"))
	assert.Contains(t, text, "idx-daily (mainnet)")
	assert.Contains(t, text, "Stream failing")
	assert.Less(t, strings.Index(text, "*error*"), strings.Index(text, "*next_block*"), "fields are sorted")
}

func TestSlackAlerter_Emoji(t *testing.T) {
	tests := []struct {
		alertType AlertType
		emoji     string
	}{
		{AlertTypeUnhealthy, ":warning:"},
		{AlertTypeRecovery, ":white_check_mark:"},
		{AlertTypeIndexerFailed, ":rotating_light:"},
	}
	for _, tt := range tests {
		t.Run(string(tt.alertType), func(t *testing.T) {
			var body []byte
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ = io.ReadAll(r.Body)
			}))
			defer srv.Close()

			require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), Alert{Type: tt.alertType, IndexerID: "i"}))
			var p map[string]string
			require.NoError(t, json.Unmarshal(body, &p))
			assert.True(t, strings.HasPrefix(p["text"], tt.emoji), p["text"])
		})
	}
}

func TestSlackAlerter_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewSlackAlerter(srv.URL).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookAlerter_Payload(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	wh := NewWebhookAlerter(srv.URL)
	wh.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, wh.Send(context.Background(), testAlert()))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "UNHEALTHY", payload["type"])
	assert.Equal(t, "idx-daily", payload["indexer_id"])
	assert.Equal(t, "mainnet", payload["network"])
	assert.Equal(t, "2024-05-01T12:00:00Z", payload["time"])
	fields, ok := payload["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "151", fields["next_block"])
}

func TestNew_SelectsChannels(t *testing.T) {
	assert.IsType(t, NoopAlerter{}, New("", "", time.Minute, testLogger()))

	m, ok := New("http://slack", "http://hook", time.Minute, testLogger()).(*MultiAlerter)
	require.True(t, ok)
	require.Len(t, m.alerters, 2)
	assert.Equal(t, "slack", alerterName(m.alerters[0]))
	assert.Equal(t, "webhook", alerterName(m.alerters[1]))
}
