package transaction

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settleflow/internal/httpx"
	"github.com/mbd888/settleflow/internal/logging"
	"github.com/mbd888/settleflow/internal/merchant"
	"github.com/mbd888/settleflow/internal/validation"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler provides HTTP endpoints for transactions and refunds.
type Handler struct {
	service *Service
}

// NewHandler creates a transaction handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// Create handles POST /v1/transactions.
func (h *Handler) Create(c *gin.Context) {
	m := merchant.FromContext(c)

	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		httpx.Fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t, err := h.service.Create(c.Request.Context(), m.ID, in)
	if err != nil {
		h.fail(c, err, "transaction creation failed")
		return
	}
	httpx.OK(c, http.StatusCreated, t)
}

// List handles GET /v1/transactions.
func (h *Handler) List(c *gin.Context) {
	m := merchant.FromContext(c)

	filter := ListFilter{
		Status:   c.Query("status"),
		Currency: c.Query("currency"),
	}
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.Fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}

	page, err := h.service.List(c.Request.Context(), m.ID, filter, c.Query("cursor"), limit)
	if err != nil {
		h.fail(c, err, "transaction list failed")
		return
	}
	httpx.OK(c, http.StatusOK, page)
}

// Get handles GET /v1/transactions/:id.
func (h *Handler) Get(c *gin.Context) {
	m := merchant.FromContext(c)

	t, err := h.service.Get(c.Request.Context(), m.ID, c.Param("id"))
	if err != nil {
		h.fail(c, err, "transaction read failed")
		return
	}
	httpx.OK(c, http.StatusOK, t)
}

// CreateRefund handles POST /v1/refunds.
func (h *Handler) CreateRefund(c *gin.Context) {
	m := merchant.FromContext(c)

	var in RefundInput
	if err := c.ShouldBindJSON(&in); err != nil {
		httpx.Fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	r, err := h.service.Refund(c.Request.Context(), m.ID, in)
	if err != nil {
		h.fail(c, err, "refund creation failed")
		return
	}
	httpx.OK(c, http.StatusCreated, r)
}

// GetRefund handles GET /v1/refunds/:id.
func (h *Handler) GetRefund(c *gin.Context) {
	m := merchant.FromContext(c)

	r, err := h.service.GetRefund(c.Request.Context(), m.ID, c.Param("id"))
	if err != nil {
		h.fail(c, err, "refund read failed")
		return
	}
	httpx.OK(c, http.StatusOK, r)
}

// fail maps service errors onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error, logMsg string) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		httpx.FailValidation(c, verrs)
	case errors.Is(err, ErrNotFound):
		httpx.Fail(c, http.StatusNotFound, "transaction not found")
	case errors.Is(err, ErrRefundNotFound):
		httpx.Fail(c, http.StatusNotFound, "refund not found")
	case errors.Is(err, ErrNotRefundable):
		httpx.Fail(c, http.StatusBadRequest, "only succeeded transactions can be refunded")
	case errors.Is(err, ErrAlreadyRefunded):
		httpx.Fail(c, http.StatusConflict, "transaction already refunded")
	default:
		logging.L(c.Request.Context()).Error(logMsg, "error", err)
		httpx.Fail(c, http.StatusInternalServerError, "internal error")
	}
}
