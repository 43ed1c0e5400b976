package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildtall-systems/dropship/internal/settlement"
)

func TestSimulated_Deterministic(t *testing.T) {
	ctx := context.Background()
	a, err := NewSimulated().FindProducts(ctx, "Phone Case")
	require.NoError(t, err)
	b, err := NewSimulated().FindProducts(ctx, "phone case")
	require.NoError(t, err)

	require.Len(t, a, 3)
	for i := range a {
		assert.Equal(t, a[i].SupplierCost, b[i].SupplierCost)
		assert.True(t, a[i].SupplierCost.IsPositive())
	}

	_, err = NewSimulated().FindProducts(ctx, "  ")
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestSimulated_SaleToPurchase(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	price := settlement.New(35340, "CLP")

	listingID, err := sim.Publish(ctx, Listing{ProductID: "p1", Title: "t", Price: price})
	require.NoError(t, err)

	sale, err := sim.AwaitSale(ctx, listingID)
	require.NoError(t, err)
	assert.Equal(t, price, sale.Amount)

	capture, err := sim.CaptureOrder(ctx, sale.PaymentToken)
	require.NoError(t, err)
	assert.Equal(t, price, capture.Amount)

	req := PurchaseRequest{ProductURL: "https://supplier.invalid/x", MaxPrice: price, IdempotencyKey: "o1"}
	first, err := sim.PlaceOrder(ctx, req)
	require.NoError(t, err)
	second, err := sim.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same idempotency key yields the same supplier order")

	_, err = sim.CaptureOrder(ctx, "unknown")
	assert.ErrorIs(t, err, ErrRejected)
}
