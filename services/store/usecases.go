package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// storeMetrics agrupa os contadores do pipeline de checkout.
type storeMetrics struct {
	checkouts      metric.Int64Counter
	commits        metric.Int64Counter
	duplicates     metric.Int64Counter
	commitFailures metric.Int64Counter
}

func newStoreMetrics(meter metric.Meter) (*storeMetrics, error) {
	checkouts, err := meter.Int64Counter("store_checkout_requests_total",
		metric.WithDescription("Checkout requests received."))
	if err != nil {
		return nil, err
	}
	commits, err := meter.Int64Counter("store_orders_committed_total",
		metric.WithDescription("Orders durably committed."))
	if err != nil {
		return nil, err
	}
	duplicates, err := meter.Int64Counter("store_duplicate_confirmations_total",
		metric.WithDescription("Confirmation events acknowledged as duplicates."))
	if err != nil {
		return nil, err
	}
	commitFailures, err := meter.Int64Counter("store_commit_failures_total",
		metric.WithDescription("Confirmed payments whose order commit failed."))
	if err != nil {
		return nil, err
	}
	return &storeMetrics{
		checkouts:      checkouts,
		commits:        commits,
		duplicates:     duplicates,
		commitFailures: commitFailures,
	}, nil
}

// CheckoutUseCase contém a lógica de negócio do pipeline de checkout.
//
// Fluxo: validação → checagem advisory de estoque → payment intent no gateway
// (resposta síncrona termina aí) → na confirmação do webhook, commit atômico e
// notificação best-effort.
type CheckoutUseCase struct {
	repository Repository
	gateway    PaymentGateway
	notifier   Notifier
	publisher  EventPublisher
	hub        *Hub
	tracer     trace.Tracer
	metrics    *storeMetrics
	currency   string
}

// NewCheckoutUseCase cria uma nova instância de CheckoutUseCase.
func NewCheckoutUseCase(
	repository Repository,
	gateway PaymentGateway,
	notifier Notifier,
	publisher EventPublisher,
	hub *Hub,
	tracer trace.Tracer,
	metrics *storeMetrics,
	currency string,
) *CheckoutUseCase {
	return &CheckoutUseCase{
		repository: repository,
		gateway:    gateway,
		notifier:   notifier,
		publisher:  publisher,
		hub:        hub,
		tracer:     tracer,
		metrics:    metrics,
		currency:   currency,
	}
}

// Checkout valida a requisição, faz a checagem advisory de estoque e cria o
// payment intent. Retorna o client secret; o restante do pipeline roda na
// entrega da confirmação.
func (uc *CheckoutUseCase) Checkout(ctx context.Context, req CheckoutRequest) (*PaymentIntent, error) {
	ctx, span := uc.tracer.Start(ctx, "checkout")
	defer span.End()

	uc.metrics.checkouts.Add(ctx, 1)

	if err := req.Validate(); err != nil {
		return nil, err
	}

	productIDs := make([]int64, 0, len(req.Items))
	for _, item := range req.Items {
		productIDs = append(productIDs, item.ID)
	}

	products, err := uc.repository.GetProducts(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	// O amount do cliente nunca é confiado: recalcular com preços correntes.
	var serverTotal int64
	for _, item := range req.Items {
		product, ok := products[item.ID]
		if !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("unknown product %d", item.ID)}
		}
		serverTotal += product.Price * int64(item.Quantity)
	}
	if serverTotal != req.Amount {
		log.Printf("❌ [VALIDATE] amount mismatch: client sent %d, server computed %d", req.Amount, serverTotal)
		return nil, &ValidationError{Reason: fmt.Sprintf("amount %d does not match order total %d", req.Amount, serverTotal)}
	}

	// Checagem advisory: sem hold. O estoque pode acabar entre aqui e o
	// commit; a baixa transacional na confirmação é a única garantia dura.
	// Linhas repetidas do mesmo produto contam juntas.
	requested := make(map[int64]int, len(req.Items))
	for _, item := range req.Items {
		requested[item.ID] += item.Quantity
	}
	for id, quantity := range requested {
		if products[id].InventoryCount < quantity {
			return nil, &InsufficientInventoryError{ProductID: id}
		}
	}

	metadataItems := make([]MetadataItem, 0, len(req.Items))
	for _, item := range req.Items {
		product := products[item.ID]
		metadataItems = append(metadataItems, MetadataItem{
			ID:       item.ID,
			Title:    product.Title,
			Quantity: item.Quantity,
			Price:    product.Price,
		})
	}
	metadata, err := IntentMetadata{Items: metadataItems, Shipping: req.Shipping}.Encode()
	if err != nil {
		return nil, err
	}

	intent, err := uc.gateway.CreateIntent(ctx, serverTotal, uc.currency, metadata)
	if err != nil {
		log.Printf("❌ [AUTHORIZE] gateway rejected intent: %v", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("payment_intent_id", intent.ID),
		attribute.Int64("amount", serverTotal),
	)
	log.Printf("➡️ [AUTHORIZE] payment intent created: %s (amount=%d)", intent.ID, serverTotal)

	return intent, nil
}

// HandleConfirmation processa o evento de confirmação do gateway.
//
// Chave de idempotência: o payment intent id. Entregas duplicadas (inclusive
// concorrentes, resolvidas pela constraint única no storage) retornam sucesso
// sem nenhuma escrita.
func (uc *CheckoutUseCase) HandleConfirmation(ctx context.Context, event *ConfirmationEvent) error {
	ctx, span := uc.tracer.Start(ctx, "order_commit")
	defer span.End()

	if event.Type != EventPaymentSucceeded {
		log.Printf("ℹ️  [CONFIRM] ignoring event type %s", event.Type)
		return nil
	}

	span.SetAttributes(
		attribute.String("payment_intent_id", event.IntentID),
		attribute.Int64("amount", event.Amount),
	)

	// Dedup rápido antes de abrir transação. A constraint única continua
	// sendo o árbitro final para entregas concorrentes.
	if _, err := uc.repository.OrderByPaymentIntent(ctx, event.IntentID); err == nil {
		log.Printf("ℹ️  [IDEMPOTENCY] order already committed for intent %s", event.IntentID)
		uc.metrics.duplicates.Add(ctx, 1)
		return nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		return fmt.Errorf("check existing order: %w", err)
	}

	metadata, err := DecodeIntentMetadata(event.Metadata)
	if err != nil {
		return uc.failCommit(ctx, span, event, fmt.Errorf("reconstruct order from metadata: %w", err))
	}

	order, items, err := uc.repository.CommitOrder(ctx, event.IntentID, event.Amount, metadata.Shipping, metadata.CheckoutItems())
	if err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			log.Printf("ℹ️  [IDEMPOTENCY] lost commit race for intent %s, treating as duplicate", event.IntentID)
			uc.metrics.duplicates.Add(ctx, 1)
			return nil
		}
		return uc.failCommit(ctx, span, event, err)
	}

	uc.metrics.commits.Add(ctx, 1)
	log.Printf("✅ [COMMIT] order %s committed for intent %s (amount=%d)", order.ID, event.IntentID, order.TotalAmount)

	uc.hub.BroadcastOrderUpdate(event.IntentID, order.ID, order.Status)

	if err := uc.publisher.PublishOrderCompleted(ctx, OrderCompletedEvent{
		OrderID:         order.ID,
		PaymentIntentID: order.PaymentIntentID,
		TotalAmount:     order.TotalAmount,
		Email:           order.Shipping.Email,
		CompletedAt:     order.CreatedAt,
	}); err != nil {
		log.Printf("⚠️  [PUBLISH] failed to publish order event for %s: %v", order.ID, err)
	}

	if err := uc.notifier.SendOrderConfirmation(ctx, OrderSummary{
		OrderID: order.ID,
		Email:   order.Shipping.Email,
		Name:    order.Shipping.Name,
		Items:   items,
		Total:   order.TotalAmount,
	}); err != nil {
		// Pedido comitado é a fonte da verdade; email perdido só é logado.
		log.Printf("⚠️  [NOTIFY] failed to send confirmation for order %s: %v", order.ID, err)
	}

	return nil
}

// failCommit registra a falha de commit para reconciliação manual. O dinheiro
// pode ter se movido sem pedido correspondente, então isso precisa ser
// distinguível de falha de validação comum.
func (uc *CheckoutUseCase) failCommit(ctx context.Context, span trace.Span, event *ConfirmationEvent, cause error) error {
	uc.metrics.commitFailures.Add(ctx, 1)
	span.RecordError(cause)

	log.Printf("🚨 [COMMIT FAILED] intent %s needs manual reconciliation: %v", event.IntentID, cause)

	if err := uc.repository.RecordCommitFailure(ctx, event.IntentID, event.Amount, cause.Error()); err != nil {
		log.Printf("🚨 [COMMIT FAILED] could not record reconciliation row for intent %s: %v", event.IntentID, err)
	}

	return &CommitFailureError{PaymentIntentID: event.IntentID, Err: cause}
}
