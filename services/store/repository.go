package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository define a interface para operações de banco de dados da loja.
type Repository interface {
	// ListProducts retorna os produtos com estoque disponível.
	ListProducts(ctx context.Context) ([]Product, error)

	// GetProduct busca um produto pelo ID.
	GetProduct(ctx context.Context, productID int64) (*Product, error)

	// GetProducts busca os produtos referenciados por um checkout.
	GetProducts(ctx context.Context, productIDs []int64) (map[int64]Product, error)

	// OrderByPaymentIntent busca o pedido pelo payment intent (idempotência).
	OrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*Order, error)

	// CommitOrder executa o commit atômico: pedido, itens e baixa de estoque
	// em uma única transação. Retorna ErrDuplicateOrder se o payment intent
	// já tem pedido.
	CommitOrder(ctx context.Context, paymentIntentID string, amount int64, shipping ShippingDetails, items []CheckoutItem) (*Order, []OrderItem, error)

	// RecordCommitFailure grava a falha de commit para reconciliação manual.
	RecordCommitFailure(ctx context.Context, paymentIntentID string, amount int64, reason string) error

	// GetOrder busca um pedido e seus itens.
	GetOrder(ctx context.Context, orderID string) (*Order, []OrderItem, error)

	// ListOrdersByUser retorna o histórico de pedidos de um usuário.
	ListOrdersByUser(ctx context.Context, userID int64) ([]Order, error)

	// ListOrderSummaries retorna a visão de operador de todos os pedidos.
	ListOrderSummaries(ctx context.Context) ([]OrderSummaryRow, error)
}

// OrderSummaryRow é a linha da listagem administrativa de pedidos.
type OrderSummaryRow struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"total_amount"`
	UserEmail   string `json:"user_email"`
	UserName    string `json:"user_name"`
	ItemCount   int    `json:"item_count"`
	TotalItems  int    `json:"total_items"`
}

// StoreRepository implementa Repository usando PostgreSQL.
type StoreRepository struct {
	db *pgxpool.Pool
}

// NewStoreRepository cria uma nova instância de StoreRepository.
func NewStoreRepository(db *pgxpool.Pool) Repository {
	return &StoreRepository{
		db: db,
	}
}

// ListProducts retorna os produtos com estoque disponível.
func (r *StoreRepository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, title, description, price, image_url, inventory_count, created_at
		FROM products
		WHERE inventory_count > 0
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Price, &p.ImageURL, &p.InventoryCount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// GetProduct busca um produto pelo ID.
func (r *StoreRepository) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	var p Product
	err := r.db.QueryRow(ctx, `
		SELECT id, title, description, price, image_url, inventory_count, created_at
		FROM products WHERE id = $1
	`, productID).Scan(&p.ID, &p.Title, &p.Description, &p.Price, &p.ImageURL, &p.InventoryCount, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("get product %d: %w", productID, err)
	}
	return &p, nil
}

// GetProducts busca os produtos referenciados por um checkout.
func (r *StoreRepository) GetProducts(ctx context.Context, productIDs []int64) (map[int64]Product, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, title, description, price, image_url, inventory_count, created_at
		FROM products
		WHERE id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]Product, len(productIDs))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Price, &p.ImageURL, &p.InventoryCount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products[p.ID] = p
	}
	return products, rows.Err()
}

// OrderByPaymentIntent busca o pedido pelo payment intent.
func (r *StoreRepository) OrderByPaymentIntent(ctx context.Context, paymentIntentID string) (*Order, error) {
	return r.scanOrder(r.db.QueryRow(ctx, `
		SELECT id, user_id, status, total_amount, shipping_address, payment_intent_id, created_at
		FROM orders WHERE payment_intent_id = $1
	`, paymentIntentID))
}

// CommitOrder executa o commit atômico do pedido.
//
// Dentro de uma única transação: upsert do usuário pelo email do snapshot,
// insert do pedido (constraint única em payment_intent_id é o árbitro final
// contra confirmações concorrentes), releitura de cada produto com FOR UPDATE,
// insert dos itens com preço corrente e baixa de estoque. Qualquer falha
// aborta tudo.
func (r *StoreRepository) CommitOrder(ctx context.Context, paymentIntentID string, amount int64, shipping ShippingDetails, items []CheckoutItem) (*Order, []OrderItem, error) {
	// Ordem estável de lock: commits concorrentes tocando os mesmos produtos
	// nunca se travam em ordens opostas.
	items = sortedByProduct(items)

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin commit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order := NewOrder(uuid.New().String(), paymentIntentID, amount, shipping)

	if shipping.Email != "" {
		var userID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO users (email, name)
			VALUES ($1, $2)
			ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, shipping.Email, shipping.Name).Scan(&userID)
		if err != nil {
			return nil, nil, fmt.Errorf("upsert user: %w", err)
		}
		order.UserID = &userID
	}

	shippingJSON, err := json.Marshal(shipping)
	if err != nil {
		return nil, nil, fmt.Errorf("encode shipping snapshot: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, status, total_amount, shipping_address, payment_intent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, order.ID, order.UserID, order.Status, order.TotalAmount, shippingJSON, order.PaymentIntentID, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicateOrder
		}
		return nil, nil, fmt.Errorf("insert order: %w", err)
	}

	locked := make(map[int64]lockedProduct, len(items))
	for _, item := range items {
		if _, ok := locked[item.ID]; ok {
			continue
		}

		// Lock pessimista: segura a linha do produto até o commit
		var lp lockedProduct
		err = tx.QueryRow(ctx, `
			SELECT title, price, inventory_count
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, item.ID).Scan(&lp.Title, &lp.Price, &lp.Stock)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil, fmt.Errorf("%w: %d", ErrProductNotFound, item.ID)
			}
			return nil, nil, fmt.Errorf("lock product %d: %w", item.ID, err)
		}
		locked[item.ID] = lp
	}

	orderItems, err := buildCommitItems(order.ID, amount, items, locked)
	if err != nil {
		return nil, nil, err
	}

	for _, it := range orderItems {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price_at_time)
			VALUES ($1, $2, $3, $4)
		`, it.OrderID, it.ProductID, it.Quantity, it.PriceAtTime)
		if err != nil {
			return nil, nil, fmt.Errorf("insert order item: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE products
			SET inventory_count = inventory_count - $1
			WHERE id = $2
		`, it.Quantity, it.ProductID)
		if err != nil {
			return nil, nil, fmt.Errorf("decrement inventory for product %d: %w", it.ProductID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicateOrder
		}
		return nil, nil, fmt.Errorf("commit order transaction: %w", err)
	}

	return order, orderItems, nil
}

// lockedProduct é o estado corrente de um produto lido com FOR UPDATE.
type lockedProduct struct {
	Title string
	Price int64
	Stock int
}

// buildCommitItems aplica as guardas do commit sobre os produtos já travados:
// produto ausente, estoque insuficiente (linhas do mesmo produto contam
// juntas) e divergência entre o valor autorizado e a soma corrente das
// linhas. Retorna os itens do pedido com preço corrente.
func buildCommitItems(orderID string, amount int64, items []CheckoutItem, products map[int64]lockedProduct) ([]OrderItem, error) {
	remaining := make(map[int64]int, len(products))
	for id, p := range products {
		remaining[id] = p.Stock
	}

	orderItems := make([]OrderItem, 0, len(items))
	var lineTotal int64

	for _, item := range items {
		p, ok := products[item.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, item.ID)
		}

		if remaining[item.ID] < item.Quantity {
			return nil, &InsufficientInventoryError{ProductID: item.ID}
		}
		remaining[item.ID] -= item.Quantity

		orderItems = append(orderItems, OrderItem{
			OrderID:     orderID,
			ProductID:   item.ID,
			Title:       p.Title,
			Quantity:    item.Quantity,
			PriceAtTime: p.Price,
		})
		lineTotal += p.Price * int64(item.Quantity)
	}

	// Preço mudou entre autorização e commit: abortar em vez de gravar um
	// pedido cuja soma dos itens não bate com o valor autorizado.
	if lineTotal != amount {
		return nil, fmt.Errorf("authorized amount %d does not match current line total %d", amount, lineTotal)
	}

	return orderItems, nil
}

// sortedByProduct devolve uma cópia dos itens ordenada por ID de produto.
func sortedByProduct(items []CheckoutItem) []CheckoutItem {
	out := make([]CheckoutItem, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordCommitFailure grava a falha de commit para reconciliação manual.
// Executa fora da transação abortada: o cliente pode ter sido cobrado sem
// pedido correspondente.
func (r *StoreRepository) RecordCommitFailure(ctx context.Context, paymentIntentID string, amount int64, reason string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO order_commit_failures (payment_intent_id, amount, reason)
		VALUES ($1, $2, $3)
	`, paymentIntentID, amount, reason)
	if err != nil {
		return fmt.Errorf("record commit failure: %w", err)
	}
	return nil
}

// GetOrder busca um pedido e seus itens com o título do produto.
func (r *StoreRepository) GetOrder(ctx context.Context, orderID string) (*Order, []OrderItem, error) {
	order, err := r.scanOrder(r.db.QueryRow(ctx, `
		SELECT id, user_id, status, total_amount, shipping_address, payment_intent_id, created_at
		FROM orders WHERE id = $1
	`, orderID))
	if err != nil {
		return nil, nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT oi.order_id, oi.product_id, p.title, oi.quantity, oi.price_at_time
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.product_id
	`, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.Title, &it.Quantity, &it.PriceAtTime); err != nil {
			return nil, nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}
	return order, items, rows.Err()
}

// ListOrdersByUser retorna o histórico de pedidos de um usuário.
func (r *StoreRepository) ListOrdersByUser(ctx context.Context, userID int64) ([]Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, status, total_amount, shipping_address, payment_intent_id, created_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders for user %d: %w", userID, err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// ListOrderSummaries retorna a visão de operador de todos os pedidos.
func (r *StoreRepository) ListOrderSummaries(ctx context.Context) ([]OrderSummaryRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT o.id, o.status, o.total_amount,
		       COALESCE(u.email, ''), COALESCE(u.name, ''),
		       COUNT(oi.product_id), COALESCE(SUM(oi.quantity), 0)
		FROM orders o
		LEFT JOIN users u ON u.id = o.user_id
		LEFT JOIN order_items oi ON oi.order_id = o.id
		GROUP BY o.id, u.email, u.name
		ORDER BY o.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list order summaries: %w", err)
	}
	defer rows.Close()

	var summaries []OrderSummaryRow
	for rows.Next() {
		var s OrderSummaryRow
		if err := rows.Scan(&s.OrderID, &s.Status, &s.TotalAmount, &s.UserEmail, &s.UserName, &s.ItemCount, &s.TotalItems); err != nil {
			return nil, fmt.Errorf("scan order summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (r *StoreRepository) scanOrder(row pgx.Row) (*Order, error) {
	var order Order
	var shippingJSON []byte
	err := row.Scan(&order.ID, &order.UserID, &order.Status, &order.TotalAmount, &shippingJSON, &order.PaymentIntentID, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if err := json.Unmarshal(shippingJSON, &order.Shipping); err != nil {
		return nil, fmt.Errorf("decode shipping snapshot: %w", err)
	}
	return &order, nil
}

// isUniqueViolation detecta violação de constraint única (código 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
