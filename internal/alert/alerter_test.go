package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookRecorder struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	status int
}

func (r *webhookRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.mu.Unlock()
		if r.status != 0 {
			w.WriteHeader(r.status)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (r *webhookRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func TestNewAlerter_NopWithoutURL(t *testing.T) {
	a := NewAlerter(&Config{})
	assert.IsType(t, nopAlerter{}, a)
	assert.NoError(t, a.Send(context.Background(), &Alert{Title: "x"}))

	assert.IsType(t, nopAlerter{}, NewAlerter(nil))
}

func TestWebhookAlerter_Send(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	a := NewAlerter(&Config{ServiceName: "eidos-nft", Environment: "test", WebhookURL: srv.URL})
	defer a.(*webhookAlerter).Stop()

	err := a.Send(context.Background(), &Alert{Title: "stuck job", Message: "settle_auction ex-1", Severity: SeverityCritical})
	require.NoError(t, err)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "stuck job", rec.bodies[0]["title"])
	assert.Equal(t, "eidos-nft", rec.bodies[0]["source"])
	assert.Equal(t, "critical", rec.bodies[0]["severity"])
}

func TestWebhookAlerter_MinInterval(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	a := NewAlerter(&Config{WebhookURL: srv.URL, MinInterval: time.Hour})
	defer a.(*webhookAlerter).Stop()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, &Alert{Key: "settle:ex-1", Title: "stuck"}))
	require.NoError(t, a.Send(ctx, &Alert{Key: "settle:ex-1", Title: "stuck"}))
	require.NoError(t, a.Send(ctx, &Alert{Key: "settle:ex-2", Title: "stuck"}))

	assert.Equal(t, 2, rec.count())
}

func TestWebhookAlerter_ErrorStatus(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	a := NewAlerter(&Config{WebhookURL: srv.URL})
	defer a.(*webhookAlerter).Stop()

	err := a.Send(context.Background(), &Alert{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookAlerter_SendAsync(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	a := NewAlerter(&Config{WebhookURL: srv.URL, WebhookType: "slack"})
	defer a.(*webhookAlerter).Stop()

	a.SendAsync(context.Background(), &Alert{Title: "receipt timeout", Severity: SeverityWarning})

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.bodies[0], "attachments")
}

func TestFormatDingTalk(t *testing.T) {
	data, err := formatDingTalk(&Alert{Title: "t", Message: "m", Severity: SeverityInfo, Tags: map[string]string{"queue": "nft"}})
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "markdown", body["msgtype"])
	md := body["markdown"].(map[string]interface{})
	assert.Contains(t, md["text"], "queue: nft")
}
