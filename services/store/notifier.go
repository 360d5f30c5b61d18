package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// OrderSummary é o resumo enviado na confirmação do pedido.
type OrderSummary struct {
	OrderID string
	Email   string
	Name    string
	Items   []OrderItem
	Total   int64
}

// Notifier envia a confirmação do pedido ao cliente. Best-effort: falha aqui
// nunca desfaz um pedido já comitado.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, summary OrderSummary) error
}

// MailNotifier implementa Notifier contra uma API HTTP de envio de email.
type MailNotifier struct {
	client *resty.Client
	from   string
}

// NewMailNotifier cria uma nova instância de MailNotifier.
func NewMailNotifier(apiURL, apiKey, from string) *MailNotifier {
	client := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(10 * time.Second).
		SetAuthToken(apiKey)

	return &MailNotifier{
		client: client,
		from:   from,
	}
}

type mailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// SendOrderConfirmation envia o email de confirmação do pedido.
func (n *MailNotifier) SendOrderConfirmation(ctx context.Context, summary OrderSummary) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(mailRequest{
			From:    n.from,
			To:      summary.Email,
			Subject: fmt.Sprintf("Order Confirmation #%s", summary.OrderID),
			Text:    confirmationBody(summary),
		}).
		Post("/emails")
	if err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("send confirmation email: mail API returned %s", resp.Status())
	}
	return nil
}

func confirmationBody(summary OrderSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Hi %s,\n\n", summary.Name)
	b.WriteString("Thank you for your order! Here are your order details:\n\n")
	fmt.Fprintf(&b, "Order #: %s\n\nItems:\n", summary.OrderID)
	for _, item := range summary.Items {
		fmt.Fprintf(&b, "%dx %s - $%.2f\n", item.Quantity, item.Title, float64(item.PriceAtTime*int64(item.Quantity))/100)
	}
	fmt.Fprintf(&b, "\nTotal: $%.2f\n\n", float64(summary.Total)/100)
	b.WriteString("We'll notify you when your order ships.\n\nBest regards,\nSleeve Nine Team\n")

	return b.String()
}

// LogNotifier é o fallback quando nenhuma API de email está configurada.
type LogNotifier struct{}

func (LogNotifier) SendOrderConfirmation(_ context.Context, summary OrderSummary) error {
	log.Printf("📧 [NOTIFY] mail API not configured, skipping confirmation for order %s (%s)", summary.OrderID, summary.Email)
	return nil
}
