package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signPayload(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestStripeGateway_CreateIntent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "15000", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.NotEmpty(t, r.PostForm.Get("metadata[items]"))
		assert.NotEmpty(t, r.PostForm.Get("metadata[shipping]"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_abc","client_secret":"pi_abc_secret_xyz","status":"requires_payment_method"}`)
	}))
	defer server.Close()

	gateway := NewStripeGateway(server.URL, "sk_test_123", "whsec_test")

	intent, err := gateway.CreateIntent(context.Background(), 15000, "usd", map[string]string{
		"items":    `[{"id":1,"quantity":3}]`,
		"shipping": `{"email":"buyer@example.com"}`,
	})

	require.NoError(t, err)
	assert.Equal(t, "pi_abc", intent.ID)
	assert.Equal(t, "pi_abc_secret_xyz", intent.ClientSecret)
	assert.Equal(t, "requires_payment_method", intent.Status)
}

func TestStripeGateway_CreateIntent_GatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"message":"Your card was declined."}}`)
	}))
	defer server.Close()

	gateway := NewStripeGateway(server.URL, "sk_test_123", "whsec_test")

	_, err := gateway.CreateIntent(context.Background(), 15000, "usd", nil)

	var gatewayErr *GatewayError
	require.ErrorAs(t, err, &gatewayErr)
	assert.Equal(t, http.StatusPaymentRequired, gatewayErr.StatusCode)
	assert.Contains(t, gatewayErr.Message, "declined")
}

func TestStripeGateway_VerifyEvent(t *testing.T) {
	gateway := NewStripeGateway("https://api.stripe.com", "sk_test_123", "whsec_test")

	payload := []byte(`{
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_abc", "amount": 15000, "metadata": {"items": "[]", "shipping": "{}"}}}
	}`)
	now := time.Now().Unix()
	header := fmt.Sprintf("t=%d,v1=%s", now, signPayload("whsec_test", now, payload))

	event, err := gateway.VerifyEvent(payload, header)

	require.NoError(t, err)
	assert.Equal(t, EventPaymentSucceeded, event.Type)
	assert.Equal(t, "pi_abc", event.IntentID)
	assert.Equal(t, int64(15000), event.Amount)
	assert.Equal(t, "[]", event.Metadata["items"])
}

func TestStripeGateway_VerifyEvent_BadSignature(t *testing.T) {
	gateway := NewStripeGateway("https://api.stripe.com", "sk_test_123", "whsec_test")

	payload := []byte(`{"type":"payment_intent.succeeded"}`)
	now := time.Now().Unix()

	// Signed with the wrong secret
	header := fmt.Sprintf("t=%d,v1=%s", now, signPayload("whsec_other", now, payload))

	_, err := gateway.VerifyEvent(payload, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeGateway_VerifyEvent_TamperedPayload(t *testing.T) {
	gateway := NewStripeGateway("https://api.stripe.com", "sk_test_123", "whsec_test")

	payload := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"amount":15000}}}`)
	now := time.Now().Unix()
	header := fmt.Sprintf("t=%d,v1=%s", now, signPayload("whsec_test", now, payload))

	tampered := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"amount":1}}}`)

	_, err := gateway.VerifyEvent(tampered, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeGateway_VerifyEvent_StaleTimestamp(t *testing.T) {
	gateway := NewStripeGateway("https://api.stripe.com", "sk_test_123", "whsec_test")

	payload := []byte(`{"type":"payment_intent.succeeded"}`)
	stale := time.Now().Add(-10 * time.Minute).Unix()

	// Correctly signed, but outside the tolerance window
	header := fmt.Sprintf("t=%d,v1=%s", stale, signPayload("whsec_test", stale, payload))

	_, err := gateway.VerifyEvent(payload, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeGateway_VerifyEvent_MalformedHeader(t *testing.T) {
	gateway := NewStripeGateway("https://api.stripe.com", "sk_test_123", "whsec_test")
	payload := []byte(`{}`)

	for _, header := range []string{"", "garbage", "t=abc,v1=00", "v1=00", "t=123"} {
		_, err := gateway.VerifyEvent(payload, header)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("Expected ErrInvalidSignature for header %q, got %v", header, err)
		}
	}
}
