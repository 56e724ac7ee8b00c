package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stock-service/config"
	"stock-service/internal/apperror"
	"stock-service/internal/models"
	"stock-service/internal/redisclient"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

// StoreProductLookup reads the local catalog.
type StoreProductLookup struct {
	repo ProductRepository
}

func NewStoreProductLookup(repo ProductRepository) *StoreProductLookup {
	return &StoreProductLookup{repo: repo}
}

func (l *StoreProductLookup) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	return l.repo.GetProductByID(ctx, id)
}

// HTTPProductLookup calls the catalog service. Any failure other than a 404
// degrades to models.UnavailableProduct.
type HTTPProductLookup struct {
	client *remoteClient
	logger *zap.Logger
}

func NewHTTPProductLookup(baseURL string, cfg config.RemoteConfig) *HTTPProductLookup {
	logger := util.GetLogger()
	return &HTTPProductLookup{
		client: newRemoteClient("product-service", baseURL, cfg, logger),
		logger: logger,
	}
}

func (l *HTTPProductLookup) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "HTTPProductLookup.GetProductByID")
	defer span.End()

	var product models.Product
	err := l.client.do(ctx, "GET", fmt.Sprintf("/products/%d", id), nil, &product)
	if err == nil {
		return &product, nil
	}
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}

	l.logger.Warn("Product lookup failed, using fallback", zap.Int64("product_id", id), zap.Error(err))
	return models.UnavailableProduct(id), nil
}

// CachedProductLookup reads through the cache. Fallback placeholders are never cached.
type CachedProductLookup struct {
	next   ProductLookup
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedProductLookup(next ProductLookup, cache Cache, ttl time.Duration) *CachedProductLookup {
	return &CachedProductLookup{next: next, cache: cache, ttl: ttl, logger: util.GetLogger()}
}

func (l *CachedProductLookup) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	key := fmt.Sprintf("product:%d", id)

	var cached models.Product
	err := l.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, redisclient.ErrCacheMiss) {
		l.logger.Warn("Product cache read failed", zap.String("key", key), zap.Error(err))
	}

	product, err := l.next.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !product.Unavailable {
		if err := l.cache.SetJSON(ctx, key, product, l.ttl); err != nil {
			l.logger.Warn("Product cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return product, nil
}
