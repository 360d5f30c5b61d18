package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Product representa um produto do catálogo. Preço em centavos.
type Product struct {
	ID             int64     `json:"id" db:"id"`
	Title          string    `json:"title" db:"title"`
	Description    string    `json:"description" db:"description"`
	Price          int64     `json:"price" db:"price"`
	ImageURL       string    `json:"image_url" db:"image_url"`
	InventoryCount int       `json:"inventory_count" db:"inventory_count"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ShippingDetails é o snapshot de entrega capturado no checkout.
// UserID é metadado opcional; nada no pipeline depende dele.
type ShippingDetails struct {
	Email   string `json:"email" binding:"required,email"`
	Name    string `json:"name" binding:"required"`
	Address string `json:"address" binding:"required"`
	City    string `json:"city" binding:"required"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode" binding:"required"`
	Country string `json:"country" binding:"required"`
	UserID  string `json:"userId,omitempty"`
}

// CheckoutItem é uma linha do pedido enviada pelo cliente.
type CheckoutItem struct {
	ID       int64 `json:"id" binding:"required"`
	Quantity int   `json:"quantity" binding:"required,gt=0"`
}

// CheckoutRequest representa a requisição de checkout do cliente.
// O Amount nunca é confiado: é sempre comparado com a soma calculada no servidor.
type CheckoutRequest struct {
	Amount   int64           `json:"amount" binding:"required,gt=0"`
	Items    []CheckoutItem  `json:"items" binding:"required,min=1,dive"`
	Shipping ShippingDetails `json:"shipping" binding:"required"`
}

// Validate cobre as checagens de forma para chamadores fora do binding do gin.
func (r CheckoutRequest) Validate() error {
	if len(r.Items) == 0 {
		return &ValidationError{Reason: "checkout requires at least one item"}
	}
	if r.Amount <= 0 {
		return &ValidationError{Reason: "amount must be positive"}
	}
	for _, item := range r.Items {
		if item.Quantity <= 0 {
			return &ValidationError{Reason: fmt.Sprintf("invalid quantity %d for product %d", item.Quantity, item.ID)}
		}
	}
	return nil
}

// Order representa um pedido persistido.
type Order struct {
	ID              string          `json:"id" db:"id"`
	UserID          *int64          `json:"user_id,omitempty" db:"user_id"`
	Status          string          `json:"status" db:"status"`
	TotalAmount     int64           `json:"total_amount" db:"total_amount"`
	Shipping        ShippingDetails `json:"shipping_address" db:"shipping_address"`
	PaymentIntentID string          `json:"payment_intent_id" db:"payment_intent_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// NewOrder cria uma nova instância de Order já confirmada pelo gateway.
func NewOrder(id, paymentIntentID string, amount int64, shipping ShippingDetails) *Order {
	return &Order{
		ID:              id,
		Status:          OrderStatusCompleted,
		TotalAmount:     amount,
		Shipping:        shipping,
		PaymentIntentID: paymentIntentID,
		CreatedAt:       time.Now(),
	}
}

// OrderItem registra a linha do pedido com o preço no momento da compra.
type OrderItem struct {
	OrderID     string `json:"order_id" db:"order_id"`
	ProductID   int64  `json:"product_id" db:"product_id"`
	Title       string `json:"title,omitempty" db:"title"`
	Quantity    int    `json:"quantity" db:"quantity"`
	PriceAtTime int64  `json:"price_at_time" db:"price_at_time"`
}

// OrderStatus representa os possíveis status de um pedido
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusFailed    = "failed"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrOrderNotFound   = errors.New("order not found")

	// ErrDuplicateOrder sinaliza que já existe pedido para o payment intent.
	// Não é falha: a entrega duplicada do webhook é confirmada como sucesso.
	ErrDuplicateOrder = errors.New("order already exists for payment intent")
)

// ValidationError é rejeição antes de qualquer efeito externo.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// InsufficientInventoryError nomeia o produto sem estoque suficiente.
type InsufficientInventoryError struct {
	ProductID int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for product %d", e.ProductID)
}

// CommitFailureError: o gateway confirmou o pagamento mas o pedido não pôde
// ser persistido. Exige reconciliação manual pelo operador.
type CommitFailureError struct {
	PaymentIntentID string
	Err             error
}

func (e *CommitFailureError) Error() string {
	return fmt.Sprintf("order commit failed for payment intent %s: %v", e.PaymentIntentID, e.Err)
}

func (e *CommitFailureError) Unwrap() error {
	return e.Err
}

// MetadataItem é a linha simplificada gravada nos metadados do payment intent.
type MetadataItem struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// IntentMetadata carrega o snapshot completo do checkout nos metadados do
// payment intent, para que o pedido possa ser reconstruído apenas a partir do
// evento de confirmação.
type IntentMetadata struct {
	Items    []MetadataItem
	Shipping ShippingDetails
}

// Encode serializa para o formato string-map exigido pelo gateway.
func (m IntentMetadata) Encode() (map[string]string, error) {
	items, err := json.Marshal(m.Items)
	if err != nil {
		return nil, fmt.Errorf("encode metadata items: %w", err)
	}
	shipping, err := json.Marshal(m.Shipping)
	if err != nil {
		return nil, fmt.Errorf("encode metadata shipping: %w", err)
	}
	return map[string]string{
		"items":    string(items),
		"shipping": string(shipping),
	}, nil
}

// DecodeIntentMetadata reconstrói o snapshot a partir do evento de confirmação.
func DecodeIntentMetadata(raw map[string]string) (IntentMetadata, error) {
	var md IntentMetadata
	if raw == nil {
		return md, errors.New("payment intent has no metadata")
	}
	if err := json.Unmarshal([]byte(raw["items"]), &md.Items); err != nil {
		return md, fmt.Errorf("decode metadata items: %w", err)
	}
	if err := json.Unmarshal([]byte(raw["shipping"]), &md.Shipping); err != nil {
		return md, fmt.Errorf("decode metadata shipping: %w", err)
	}
	if len(md.Items) == 0 {
		return md, errors.New("payment intent metadata has no items")
	}
	return md, nil
}

// CheckoutItems converte o snapshot de volta para linhas de checkout.
func (m IntentMetadata) CheckoutItems() []CheckoutItem {
	items := make([]CheckoutItem, 0, len(m.Items))
	for _, it := range m.Items {
		items = append(items, CheckoutItem{ID: it.ID, Quantity: it.Quantity})
	}
	return items
}
