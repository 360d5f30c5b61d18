package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// OrderCompletedEvent é o contrato publicado após o commit do pedido.
type OrderCompletedEvent struct {
	OrderID         string    `json:"order_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	TotalAmount     int64     `json:"total_amount"`
	Email           string    `json:"email"`
	CompletedAt     time.Time `json:"completed_at"`
}

// EventPublisher publica eventos de pedido para consumidores downstream
// (fulfilment, analytics). Best-effort após o commit.
type EventPublisher interface {
	PublishOrderCompleted(ctx context.Context, event OrderCompletedEvent) error
	Close() error
}

// RabbitPublisher implementa EventPublisher sobre um exchange fanout.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	exchange string
}

// NewRabbitPublisher conecta no broker e declara o exchange.
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &RabbitPublisher{conn: conn, exchange: exchange}, nil
}

// PublishOrderCompleted publica o evento no exchange.
func (p *RabbitPublisher) PublishOrderCompleted(ctx context.Context, event OrderCompletedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	return ch.PublishWithContext(ctx, p.exchange, "order.completed", false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

func (p *RabbitPublisher) Close() error {
	return p.conn.Close()
}

// NoopPublisher é usado quando nenhum broker está configurado.
type NoopPublisher struct{}

func (NoopPublisher) PublishOrderCompleted(context.Context, OrderCompletedEvent) error { return nil }
func (NoopPublisher) Close() error                                                     { return nil }
