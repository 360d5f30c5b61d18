package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// EventPaymentSucceeded é o único tipo de evento que dispara o commit do pedido.
const EventPaymentSucceeded = "payment_intent.succeeded"

// signatureTolerance limita a idade aceita de um evento assinado.
const signatureTolerance = 5 * time.Minute

// PaymentIntent é a autorização de pagamento criada no gateway externo.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// ConfirmationEvent é o evento de confirmação entregue pelo gateway via webhook.
// Entrega é at-least-once: o mesmo IntentID pode chegar mais de uma vez.
type ConfirmationEvent struct {
	Type     string
	IntentID string
	Amount   int64
	Metadata map[string]string
}

// PaymentGateway abstrai a criação de payment intents no processador externo.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*PaymentIntent, error)
}

// WebhookVerifier valida a autenticidade de eventos recebidos do gateway.
type WebhookVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (*ConfirmationEvent, error)
}

// GatewayError é a falha reportada pelo processador de pagamento.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway error (status %d): %s", e.StatusCode, e.Message)
}

var ErrInvalidSignature = errors.New("webhook signature verification failed")

// StripeGateway implementa PaymentGateway e WebhookVerifier contra a API REST
// do Stripe.
type StripeGateway struct {
	client        *resty.Client
	secretKey     string
	webhookSecret string
	now           func() time.Time
}

// NewStripeGateway cria uma nova instância de StripeGateway.
func NewStripeGateway(apiURL, secretKey, webhookSecret string) *StripeGateway {
	client := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(15 * time.Second).
		SetAuthToken(secretKey)

	return &StripeGateway{
		client:        client,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		now:           time.Now,
	}
}

type stripeErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CreateIntent cria o payment intent com o snapshot do checkout nos metadados.
func (g *StripeGateway) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*PaymentIntent, error) {
	form := map[string]string{
		"amount":   strconv.FormatInt(amount, 10),
		"currency": currency,
	}
	for key, value := range metadata {
		form["metadata["+key+"]"] = value
	}

	var intent PaymentIntent
	var apiErr stripeErrorBody

	resp, err := g.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&intent).
		SetError(&apiErr).
		Post("/v1/payment_intents")
	if err != nil {
		return nil, &GatewayError{StatusCode: 0, Message: err.Error()}
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		return nil, &GatewayError{StatusCode: resp.StatusCode(), Message: msg}
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, &GatewayError{StatusCode: resp.StatusCode(), Message: "malformed payment intent response"}
	}

	return &intent, nil
}

type webhookEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Amount   int64             `json:"amount"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyEvent valida a assinatura do webhook antes de qualquer efeito.
// Esquema Stripe: header "t=<unix>,v1=<hex>", HMAC-SHA256 de "<t>.<payload>"
// com o webhook secret.
func (g *StripeGateway) VerifyEvent(payload []byte, signatureHeader string) (*ConfirmationEvent, error) {
	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, err
	}

	if g.now().Sub(time.Unix(timestamp, 0)) > signatureTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	matched := false
	for _, sig := range signatures {
		decoded, decodeErr := hex.DecodeString(sig)
		if decodeErr != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrInvalidSignature
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	return &ConfirmationEvent{
		Type:     envelope.Type,
		IntentID: envelope.Data.Object.ID,
		Amount:   envelope.Data.Object.Amount,
		Metadata: envelope.Data.Object.Metadata,
	}, nil
}

func parseSignatureHeader(header string) (int64, []string, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	var timestamp int64
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, value)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}
	return timestamp, signatures, nil
}
