package api

import (
	"net/http"

	"stock-service/internal/models"
	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
)

func views(records []models.InventoryRecord) []models.InventoryView {
	out := make([]models.InventoryView, 0, len(records))
	for i := range records {
		out = append(out, records[i].View())
	}
	return out
}

func (h *Handler) createRecord(c *gin.Context) {
	var req service.CreateRecordRequest
	if !h.bindJSON(c, &req) {
		return
	}

	rec, err := h.inventory.CreateRecord(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec.View())
}

func (h *Handler) getRecord(c *gin.Context) {
	productID, ok := h.int64Param(c, "productId")
	if !ok {
		return
	}
	warehouseID, ok := h.int64Param(c, "warehouseId")
	if !ok {
		return
	}

	rec, err := h.inventory.GetRecord(c.Request.Context(), productID, warehouseID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec.View())
}

func (h *Handler) listLowStock(c *gin.Context) {
	records, err := h.inventory.ListLowStock(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views(records))
}

func (h *Handler) listByProduct(c *gin.Context) {
	productID, ok := h.int64Param(c, "productId")
	if !ok {
		return
	}

	records, err := h.inventory.ListByProduct(c.Request.Context(), productID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views(records))
}

func (h *Handler) listByWarehouse(c *gin.Context) {
	warehouseID, ok := h.int64Param(c, "warehouseId")
	if !ok {
		return
	}

	records, err := h.inventory.ListByWarehouse(c.Request.Context(), warehouseID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views(records))
}

func (h *Handler) reserve(c *gin.Context) {
	var req service.StockRequest
	if !h.bindJSON(c, &req) {
		return
	}

	ok, err := h.inventory.Reserve(c.Request.Context(), req.ProductID, req.WarehouseID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reserved": ok})
}

func (h *Handler) release(c *gin.Context) {
	var req service.StockRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if err := h.inventory.Release(c.Request.Context(), req.ProductID, req.WarehouseID, req.Quantity); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (h *Handler) commit(c *gin.Context) {
	var req service.StockRequest
	if !h.bindJSON(c, &req) {
		return
	}

	err := h.inventory.Commit(c.Request.Context(), req.ProductID, req.WarehouseID, req.Quantity, req.ReferenceNo)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"committed": true})
}

func (h *Handler) applyMovement(c *gin.Context) {
	var req service.MovementRequest
	if !h.bindJSON(c, &req) {
		return
	}

	rec, err := h.inventory.ApplyMovement(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec.View())
}

func (h *Handler) listMovements(c *gin.Context) {
	productID, ok := h.int64Param(c, "productId")
	if !ok {
		return
	}
	warehouseID, ok := h.int64Param(c, "warehouseId")
	if !ok {
		return
	}

	movements, err := h.ledger.ListMovements(c.Request.Context(), productID, warehouseID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, movements)
}

func (h *Handler) reconcile(c *gin.Context) {
	productID, ok := h.int64Param(c, "productId")
	if !ok {
		return
	}
	warehouseID, ok := h.int64Param(c, "warehouseId")
	if !ok {
		return
	}

	result, err := h.ledger.Reconcile(c.Request.Context(), productID, warehouseID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
