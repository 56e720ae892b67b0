package payment

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestProcessorClient_CreateHold(t *testing.T) {
	var gotIdemKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/holds", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		gotIdemKey = r.Header.Get("Idempotency-Key")

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, int64(120000), gjson.GetBytes(body, "amount").Int())
		assert.Equal(t, "manual", gjson.GetBytes(body, "capture_method").String())

		w.Write([]byte(`{"id":"pi_123","amount":120000,"status":"requires_capture"}`))
	}))
	defer srv.Close()

	c := NewProcessorClient(srv.URL, "sk_test", "usd", time.Second)
	ref, err := c.CreateHold(context.Background(), 120000, "", "cus_1", "pm_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_123", ref.IntentID)
	assert.Equal(t, int64(120000), ref.AuthorizedCents)
	assert.NotEmpty(t, gotIdemKey)
}

func TestProcessorClient_CreateHoldDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"status":"declined","decline_reason":"insufficient_funds"}`))
	}))
	defer srv.Close()

	c := NewProcessorClient(srv.URL, "sk_test", "usd", time.Second)
	_, err := c.CreateHold(context.Background(), 120000, "", "cus_1", "pm_1")
	assert.ErrorIs(t, err, ErrPaymentDeclined)
}

func TestProcessorClient_CreateHoldServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewProcessorClient(srv.URL, "sk_test", "usd", time.Second)
	_, err := c.CreateHold(context.Background(), 120000, "", "cus_1", "pm_1")

	var perr *ProcessorError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadGateway, perr.StatusCode)
	assert.NotErrorIs(t, err, ErrPaymentDeclined)
}

func TestProcessorClient_CaptureHold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/holds/pi_123/capture", r.URL.Path)
		w.Write([]byte(`{"id":"pi_123","status":"captured"}`))
	}))
	defer srv.Close()

	c := NewProcessorClient(srv.URL, "sk_test", "usd", time.Second)
	assert.NoError(t, c.CaptureHold(context.Background(), "pi_123"))
}

func TestProcessorClient_ResolveAlreadyDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		if r.URL.Path == "/v1/holds/pi_123/cancel" {
			w.Write([]byte(`{"error":{"code":"hold_already_canceled"}}`))
		} else {
			w.Write([]byte(`{"error":{"code":"hold_already_captured"}}`))
		}
	}))
	defer srv.Close()

	c := NewProcessorClient(srv.URL, "sk_test", "usd", time.Second)

	// 重复 capture/release 在处理器侧已完成时视为成功
	assert.NoError(t, c.CaptureHold(context.Background(), "pi_123"))
	assert.NoError(t, c.ReleaseHold(context.Background(), "pi_123"))
}

func TestProcessorClient_ResolveOtherConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"hold_expired"}}`))
	}))
	defer srv.Close()

	c := NewProcessorClient(srv.URL, "sk_test", "usd", time.Second)
	var perr *ProcessorError
	assert.ErrorAs(t, c.CaptureHold(context.Background(), "pi_123"), &perr)
}
