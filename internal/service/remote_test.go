package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"stock-service/config"
	"stock-service/internal/apperror"
	"stock-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRemoteConfig() config.RemoteConfig {
	return config.RemoteConfig{
		HTTPTimeout:        time.Second,
		BreakerMaxFailures: 2,
		BreakerOpenTimeout: time.Minute,
	}
}

func TestHTTPProductLookup(t *testing.T) {
	var hits int32
	failing := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if atomic.LoadInt32(&failing) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/products/1":
			_ = json.NewEncoder(w).Encode(models.Product{ID: 1, SKU: "W-1", Name: "Widget", Price: decimal.RequireFromString("19.99")})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"NOT_FOUND","message":"no such product"}`))
		}
	}))
	defer srv.Close()

	lookup := NewHTTPProductLookup(srv.URL, testRemoteConfig())
	ctx := context.Background()

	p, err := lookup.GetProductByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)
	assert.False(t, p.Unavailable)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("19.99")))

	_, err = lookup.GetProductByID(ctx, 2)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	atomic.StoreInt32(&failing, 1)
	for i := 0; i < 2; i++ {
		p, err = lookup.GetProductByID(ctx, 1)
		require.NoError(t, err)
		assert.True(t, p.Unavailable)
		assert.Equal(t, models.UnavailableProductName, p.Name)
	}

	before := atomic.LoadInt32(&hits)
	p, err = lookup.GetProductByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.Unavailable, "open breaker falls back")
	assert.Equal(t, before, atomic.LoadInt32(&hits), "open breaker does not call the service")
}

type countingLookup struct {
	calls   int
	product *models.Product
}

func (c *countingLookup) GetProductByID(context.Context, int64) (*models.Product, error) {
	c.calls++
	cp := *c.product
	return &cp, nil
}

func TestCachedProductLookupSkipsPlaceholders(t *testing.T) {
	ctx := context.Background()
	cache := newMemCache()

	next := &countingLookup{product: &models.Product{ID: 1, Name: "Widget", Price: decimal.NewFromInt(3)}}
	lookup := NewCachedProductLookup(next, cache, time.Minute)
	for i := 0; i < 3; i++ {
		p, err := lookup.GetProductByID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Widget", p.Name)
	}
	assert.Equal(t, 1, next.calls)

	down := &countingLookup{product: models.UnavailableProduct(2)}
	lookup = NewCachedProductLookup(down, cache, time.Minute)
	for i := 0; i < 2; i++ {
		p, err := lookup.GetProductByID(ctx, 2)
		require.NoError(t, err)
		assert.True(t, p.Unavailable)
	}
	assert.Equal(t, 2, down.calls)
	assert.False(t, cache.has("product:2"))
}

func TestHTTPInventoryGateway(t *testing.T) {
	var reserveBody StockRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/inventory/products/1/warehouses/1":
			rec := models.InventoryRecord{ProductID: 1, WarehouseID: 1, Quantity: 10, Reserved: 4}
			_ = json.NewEncoder(w).Encode(rec.View())
		case "/api/v1/inventory/products/2/warehouses/1":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v1/inventory/reserve":
			_ = json.NewDecoder(r.Body).Decode(&reserveBody)
			if reserveBody.ProductID == 3 {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"code":"INSUFFICIENT_STOCK","message":"short"}`))
				return
			}
			_, _ = w.Write([]byte(`{"reserved":true}`))
		case "/api/v1/inventory/release", "/api/v1/inventory/commit":
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	gw := NewHTTPInventoryGateway(srv.URL, testRemoteConfig())
	ctx := context.Background()

	av, err := gw.GetAvailability(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, av.Known)
	assert.Equal(t, 6, av.Available)

	_, err = gw.GetAvailability(ctx, 2, 1)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	av, err = gw.GetAvailability(ctx, 5, 5)
	require.NoError(t, err)
	assert.False(t, av.Known, "unreachable service yields an unknown placeholder")

	ok, err := gw.Reserve(ctx, 1, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, reserveBody.Quantity)

	ok, err = gw.Reserve(ctx, 3, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, gw.Release(ctx, 1, 1, 2))
	assert.NoError(t, gw.Commit(ctx, 1, 1, 2, "ORD-1"))
}

func TestHTTPInventoryGatewayDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	gw := NewHTTPInventoryGateway(url, testRemoteConfig())
	ctx := context.Background()

	ok, err := gw.Reserve(ctx, 1, 1, 1)
	require.NoError(t, err)
	assert.False(t, ok, "unreachable service never reports a reservation")

	err = gw.Release(ctx, 1, 1, 1)
	assert.ErrorIs(t, err, apperror.ErrDependencyUnavailable)
}
