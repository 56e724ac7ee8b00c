package api

import (
	"net/http"

	"stock-service/internal/models"
	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
)

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.int64Param(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getOrderByNumber(c *gin.Context) {
	order, err := h.orders.GetOrderByNumber(c.Request.Context(), c.Param("orderNumber"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := h.int64Param(c, "id")
	if !ok {
		return
	}
	var req updateStatusRequest
	if !h.bindJSON(c, &req) {
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), orderID, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// cancelOrder releases the order's reservations and marks it cancelled.
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := h.int64Param(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listCustomerOrders(c *gin.Context) {
	customerID, ok := h.int64Param(c, "customerId")
	if !ok {
		return
	}

	orders, err := h.orders.ListOrdersByCustomer(c.Request.Context(), customerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}
