package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSenderSignsAndPosts(t *testing.T) {
	var gotBody []byte
	var gotSignature, gotTimestamp, gotEvent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get(HeaderSignature)
		gotTimestamp = r.Header.Get(HeaderTimestamp)
		gotEvent = r.Header.Get(HeaderEventID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, "secret", time.Second)
	sender.now = func() time.Time { return time.Unix(1700000000, 0) }

	err := sender.Send(context.Background(), 7, "PAYMENT_SUCCESS", map[string]interface{}{
		"event_id":   "evt-1",
		"payment_no": "MP1",
	})
	require.NoError(t, err)
	assert.Equal(t, "1700000000", gotTimestamp)
	assert.Equal(t, "evt-1", gotEvent)
	assert.Equal(t, Sign("secret", gotTimestamp, gotBody), gotSignature)

	var body webhookBody
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, uint(7), body.UserID)
	assert.Equal(t, "PAYMENT_SUCCESS", body.TemplateCode)
	assert.Equal(t, "MP1", body.Data["payment_no"])
}

func TestWebhookSenderNon2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookSender(server.URL, "", time.Second).Send(context.Background(), 1, "PAYMENT_FAILED", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeliveryFailed))
}

func TestLogSenderNeverFails(t *testing.T) {
	require.NoError(t, LogSender{}.Send(context.Background(), 1, "REFUND_SUCCESS", map[string]interface{}{"refund_no": "RF1"}))
}
