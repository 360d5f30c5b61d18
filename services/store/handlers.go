package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CheckoutUseCaseInterface define a interface para o use case
type CheckoutUseCaseInterface interface {
	Checkout(ctx context.Context, req CheckoutRequest) (*PaymentIntent, error)
	HandleConfirmation(ctx context.Context, event *ConfirmationEvent) error
}

// StoreHandler contém os handlers HTTP
type StoreHandler struct {
	useCase    CheckoutUseCaseInterface
	repository Repository
	verifier   WebhookVerifier
	hub        *Hub
	tracer     trace.Tracer
}

// NewStoreHandler cria uma nova instância de StoreHandler
func NewStoreHandler(useCase CheckoutUseCaseInterface, repository Repository, verifier WebhookVerifier, hub *Hub, tracer trace.Tracer) *StoreHandler {
	return &StoreHandler{
		useCase:    useCase,
		repository: repository,
		verifier:   verifier,
		hub:        hub,
		tracer:     tracer,
	}
}

// ListProducts retorna o catálogo com estoque disponível.
func (h *StoreHandler) ListProducts(c *gin.Context) {
	products, err := h.repository.ListProducts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if products == nil {
		products = []Product{}
	}
	c.JSON(http.StatusOK, products)
}

// GetProduct retorna um produto.
func (h *StoreHandler) GetProduct(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}

	product, err := h.repository.GetProduct(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, product)
}

// CreatePaymentIntent valida o checkout e cria o payment intent no gateway.
// A resposta síncrona termina no client secret; o commit do pedido roda na
// entrega do webhook.
func (h *StoreHandler) CreatePaymentIntent(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "create_payment_intent")
	defer span.End()

	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.Int("item_count", len(req.Items)),
		attribute.Int64("amount", req.Amount),
	)

	intent, err := h.useCase.Checkout(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.respondCheckoutError(c, err)
		return
	}

	span.SetAttributes(attribute.String("payment_intent_id", intent.ID))

	c.JSON(http.StatusOK, gin.H{
		"clientSecret": intent.ClientSecret,
	})
}

func (h *StoreHandler) respondCheckoutError(c *gin.Context, err error) {
	var validationErr *ValidationError
	var inventoryErr *InsufficientInventoryError
	var gatewayErr *GatewayError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.As(err, &inventoryErr):
		c.JSON(http.StatusConflict, gin.H{"error": inventoryErr.Error()})
	case errors.As(err, &gatewayErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Webhook recebe os eventos de confirmação do gateway. Corpo bruto: a
// verificação de assinatura cobre os bytes exatos entregues.
func (h *StoreHandler) Webhook(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway_webhook")
	defer span.End()

	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	event, err := h.verifier.VerifyEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		// Evento não verificável nunca é processado.
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
		return
	}

	span.SetAttributes(
		attribute.String("event_type", event.Type),
		attribute.String("payment_intent_id", event.IntentID),
	)

	if err := h.useCase.HandleConfirmation(ctx, event); err != nil {
		// Non-2xx dispara o redelivery do gateway; seguro porque o commit
		// é idempotente.
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// GetOrder retorna um pedido com seus itens (recibo).
func (h *StoreHandler) GetOrder(c *gin.Context) {
	order, items, err := h.repository.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = []OrderItem{}
	}
	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// ListUserOrders retorna o histórico de pedidos de um usuário.
func (h *StoreHandler) ListUserOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	orders, err := h.repository.ListOrdersByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	c.JSON(http.StatusOK, orders)
}

// ListOrderSummaries retorna a visão de operador de todos os pedidos.
func (h *StoreHandler) ListOrderSummaries(c *gin.Context) {
	summaries, err := h.repository.ListOrderSummaries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if summaries == nil {
		summaries = []OrderSummaryRow{}
	}
	c.JSON(http.StatusOK, summaries)
}

// OrderStatusWS inscreve a conexão para o resultado do commit do intent.
func (h *StoreHandler) OrderStatusWS(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request, c.Param("intentId"))
}

// HealthCheck verifica a saúde do serviço
func (h *StoreHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "store-service",
	})
}
