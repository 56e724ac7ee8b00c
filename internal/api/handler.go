package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"stock-service/internal/apperror"
	"stock-service/internal/models"
	"stock-service/internal/service"
	"stock-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// InventoryService is the reservation engine as seen by the HTTP layer.
type InventoryService interface {
	CreateRecord(ctx context.Context, req service.CreateRecordRequest) (*models.InventoryRecord, error)
	GetRecord(ctx context.Context, productID, warehouseID int64) (*models.InventoryRecord, error)
	ListLowStock(ctx context.Context) ([]models.InventoryRecord, error)
	ListByProduct(ctx context.Context, productID int64) ([]models.InventoryRecord, error)
	ListByWarehouse(ctx context.Context, warehouseID int64) ([]models.InventoryRecord, error)
	Reserve(ctx context.Context, productID, warehouseID int64, quantity int) (bool, error)
	Release(ctx context.Context, productID, warehouseID int64, quantity int) error
	Commit(ctx context.Context, productID, warehouseID int64, quantity int, referenceNo string) error
	ApplyMovement(ctx context.Context, req service.MovementRequest) (*models.InventoryRecord, error)
}

type LedgerService interface {
	ListMovements(ctx context.Context, productID, warehouseID int64) ([]models.StockMovement, error)
	Reconcile(ctx context.Context, productID, warehouseID int64) (*service.Reconciliation, error)
}

type OrderService interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID int64) (*models.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID int64) ([]models.Order, error)
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	inventory InventoryService
	ledger    LedgerService
	orders    OrderService
	checks    map[string]Pinger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(inventory InventoryService, ledger LedgerService, orders OrderService) *Handler {
	return &Handler{
		inventory: inventory,
		ledger:    ledger,
		orders:    orders,
		checks:    map[string]Pinger{},
		logger:    util.GetLogger(),
	}
}

// WithReadinessCheck registers a dependency that must answer Ping for /ready to pass.
func (h *Handler) WithReadinessCheck(name string, p Pinger) *Handler {
	h.checks[name] = p
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		inv := v1.Group("/inventory")
		inv.POST("", h.createRecord)
		inv.GET("/low-stock", h.listLowStock)
		inv.GET("/products/:productId", h.listByProduct)
		inv.GET("/warehouses/:warehouseId", h.listByWarehouse)
		inv.GET("/products/:productId/warehouses/:warehouseId", h.getRecord)
		inv.GET("/products/:productId/warehouses/:warehouseId/movements", h.listMovements)
		inv.GET("/products/:productId/warehouses/:warehouseId/reconcile", h.reconcile)
		inv.POST("/reserve", h.reserve)
		inv.POST("/release", h.release)
		inv.POST("/commit", h.commit)
		inv.POST("/movement", h.applyMovement)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/number/:orderNumber", h.getOrderByNumber)
		v1.PUT("/orders/:id/status", h.updateOrderStatus)
		v1.DELETE("/orders/:id", h.cancelOrder)
		v1.GET("/customers/:customerId/orders", h.listCustomerOrders)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// respondError writes the {code, message} body for err. Retriable errors carry Retry-After.
func (h *Handler) respondError(c *gin.Context, err error) {
	appErr := apperror.From(err)
	status := appErr.HTTPStatus()
	if appErr.Retriable() {
		c.Header("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", string(appErr.Code)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}

func (h *Handler) bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.respondError(c, apperror.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		h.respondError(c, apperror.Validation("invalid %s", name))
		return 0, false
	}
	return v, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
