package webhook

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settleflow/internal/httpx"
	"github.com/mbd888/settleflow/internal/idgen"
	"github.com/mbd888/settleflow/internal/logging"
	"github.com/mbd888/settleflow/internal/merchant"
	"github.com/mbd888/settleflow/internal/validation"
)

// Handler provides HTTP endpoints for webhook endpoint management.
type Handler struct {
	store Store

	// CheckURL, when set, rejects unsafe endpoint URLs before they are
	// stored. Left nil in development so local receivers work.
	CheckURL func(rawURL string) error
}

// NewHandler creates a webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// CreateRequest is the body for POST /v1/webhooks.
type CreateRequest struct {
	URL string `json:"url"`
}

// Create registers an endpoint. The signing secret appears only in this
// response.
func (h *Handler) Create(c *gin.Context) {
	m := merchant.FromContext(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.ValidURL("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	); len(errs) > 0 {
		httpx.FailValidation(c, errs)
		return
	}
	if h.CheckURL != nil {
		if err := h.CheckURL(req.URL); err != nil {
			httpx.Fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	ep := &Endpoint{
		ID:         idgen.WithPrefix("wh_"),
		MerchantID: m.ID,
		URL:        req.URL,
		Secret:     idgen.Hex(16),
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), ep); err != nil {
		logging.L(c.Request.Context()).Error("webhook endpoint creation failed",
			"merchant_id", m.ID, "error", err)
		httpx.Fail(c, http.StatusInternalServerError, "failed to create webhook endpoint")
		return
	}

	httpx.OK(c, http.StatusCreated, gin.H{
		"id":         ep.ID,
		"url":        ep.URL,
		"secret":     ep.Secret,
		"created_at": ep.CreatedAt,
		"warning":    "Store this secret securely. It will not be shown again.",
	})
}

// List returns the merchant's endpoints, without secrets.
func (h *Handler) List(c *gin.Context) {
	m := merchant.FromContext(c)

	endpoints, err := h.store.ListByMerchant(c.Request.Context(), m.ID)
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook endpoint list failed",
			"merchant_id", m.ID, "error", err)
		httpx.Fail(c, http.StatusInternalServerError, "failed to list webhook endpoints")
		return
	}
	if endpoints == nil {
		endpoints = []*Endpoint{}
	}

	httpx.OK(c, http.StatusOK, gin.H{"webhooks": endpoints, "count": len(endpoints)})
}

// Delete removes one of the merchant's endpoints.
func (h *Handler) Delete(c *gin.Context) {
	m := merchant.FromContext(c)
	id := c.Param("id")

	if err := h.store.Delete(c.Request.Context(), m.ID, id); err != nil {
		httpx.Fail(c, http.StatusNotFound, "webhook endpoint not found")
		return
	}
	httpx.OK(c, http.StatusOK, gin.H{"id": id, "deleted": true})
}
