package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
)

func TestNewStoreRepository(t *testing.T) {
	// Arrange
	var db *pgxpool.Pool

	// Act
	repo := NewStoreRepository(db)

	// Assert
	assert.NotNil(t, repo)
	assert.IsType(t, &StoreRepository{}, repo)
}

func lockedCatalogFixture() map[int64]lockedProduct {
	return map[int64]lockedProduct{
		1: {Title: `Macbook Pro Sleeve 13"`, Price: 5000, Stock: 10},
		2: {Title: "iPad Sleeve", Price: 3000, Stock: 15},
	}
}

func TestBuildCommitItems(t *testing.T) {
	// Arrange
	items := []CheckoutItem{{ID: 1, Quantity: 2}, {ID: 2, Quantity: 1}}

	// Act
	orderItems, err := buildCommitItems("order-1", 13000, items, lockedCatalogFixture())

	// Assert
	assert.NoError(t, err)
	assert.Len(t, orderItems, 2)
	assert.Equal(t, "order-1", orderItems[0].OrderID)
	assert.Equal(t, int64(5000), orderItems[0].PriceAtTime)
	assert.Equal(t, `Macbook Pro Sleeve 13"`, orderItems[0].Title)
	assert.Equal(t, 2, orderItems[0].Quantity)
}

func TestBuildCommitItems_ProductVanished(t *testing.T) {
	items := []CheckoutItem{{ID: 99, Quantity: 1}}

	orderItems, err := buildCommitItems("order-1", 5000, items, lockedCatalogFixture())

	assert.Nil(t, orderItems)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestBuildCommitItems_InsufficientStock(t *testing.T) {
	items := []CheckoutItem{{ID: 1, Quantity: 11}}

	orderItems, err := buildCommitItems("order-1", 55000, items, lockedCatalogFixture())

	assert.Nil(t, orderItems)
	var invErr *InsufficientInventoryError
	assert.ErrorAs(t, err, &invErr)
	assert.Equal(t, int64(1), invErr.ProductID)
}

func TestBuildCommitItems_DuplicateLinesCountTogether(t *testing.T) {
	// Duas linhas do mesmo produto somando mais que o estoque
	items := []CheckoutItem{{ID: 1, Quantity: 5}, {ID: 1, Quantity: 6}}

	orderItems, err := buildCommitItems("order-1", 55000, items, lockedCatalogFixture())

	assert.Nil(t, orderItems)
	var invErr *InsufficientInventoryError
	assert.ErrorAs(t, err, &invErr)
	assert.Equal(t, int64(1), invErr.ProductID)
}

func TestBuildCommitItems_PriceDriftAbortsCommit(t *testing.T) {
	// Valor autorizado a 4000/unidade; preço corrente é 5000
	items := []CheckoutItem{{ID: 1, Quantity: 2}}

	orderItems, err := buildCommitItems("order-1", 8000, items, lockedCatalogFixture())

	assert.Nil(t, orderItems)
	assert.ErrorContains(t, err, "does not match current line total")
}

func TestSortedByProduct(t *testing.T) {
	items := []CheckoutItem{{ID: 3, Quantity: 1}, {ID: 1, Quantity: 2}, {ID: 2, Quantity: 3}}

	sorted := sortedByProduct(items)

	assert.Equal(t, []CheckoutItem{{ID: 1, Quantity: 2}, {ID: 2, Quantity: 3}, {ID: 3, Quantity: 1}}, sorted)
	// O slice original não é tocado
	assert.Equal(t, int64(3), items[0].ID)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert order: %w", &pgconn.PgError{Code: "23505"})))

	// Foreign key violation is not a duplicate
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("connection refused")))
	assert.False(t, isUniqueViolation(nil))
}
