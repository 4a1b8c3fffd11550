package merchant

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settleflow/internal/httpx"
	"github.com/mbd888/settleflow/internal/logging"
	"github.com/mbd888/settleflow/internal/validation"
)

// Handler provides HTTP endpoints for registration and key management.
type Handler struct {
	service *Service
}

// NewHandler creates a merchant handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRequest is the body for POST /v1/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Register creates a merchant account and returns its API key.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if errs := validation.Validate(
		validation.Required("email", req.Email),
		validation.Required("name", req.Name),
		validation.Required("password", req.Password),
		validation.MaxLength("name", req.Name, 255),
	); len(errs) > 0 {
		httpx.FailValidation(c, errs)
		return
	}

	m, rawKey, err := h.service.Register(c.Request.Context(), req.Email, req.Name, req.Password)
	if err == ErrEmailTaken {
		httpx.Fail(c, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("merchant registration failed", "error", err)
		httpx.Fail(c, http.StatusInternalServerError, "registration failed")
		return
	}

	httpx.OK(c, http.StatusCreated, gin.H{
		"merchant": m,
		"api_key":  rawKey,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// LoginRequest is the body for POST /v1/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies credentials and issues a fresh API key.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	m, rawKey, err := h.service.Login(c.Request.Context(), req.Email, req.Password)
	if err == ErrBadCredentials {
		httpx.Fail(c, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("login failed", "error", err)
		httpx.Fail(c, http.StatusInternalServerError, "login failed")
		return
	}

	httpx.OK(c, http.StatusOK, gin.H{
		"merchant": m,
		"api_key":  rawKey,
	})
}

// CreatePaymentKey issues a new pk_ key for the authenticated merchant.
func (h *Handler) CreatePaymentKey(c *gin.Context) {
	m := FromContext(c)

	key, err := h.service.CreatePaymentKey(c.Request.Context(), m.ID)
	if err != nil {
		logging.L(c.Request.Context()).Error("payment key creation failed",
			"merchant_id", m.ID, "error", err)
		httpx.Fail(c, http.StatusInternalServerError, "failed to create payment key")
		return
	}

	httpx.OK(c, http.StatusCreated, key)
}

// ListPaymentKeys returns the merchant's payment keys.
func (h *Handler) ListPaymentKeys(c *gin.Context) {
	m := FromContext(c)

	keys, err := h.service.ListPaymentKeys(c.Request.Context(), m.ID)
	if err != nil {
		logging.L(c.Request.Context()).Error("payment key list failed",
			"merchant_id", m.ID, "error", err)
		httpx.Fail(c, http.StatusInternalServerError, "failed to list payment keys")
		return
	}
	if keys == nil {
		keys = []*PaymentKey{}
	}

	httpx.OK(c, http.StatusOK, gin.H{"payment_keys": keys, "count": len(keys)})
}

// DeactivatePaymentKey marks one of the merchant's payment keys inactive.
func (h *Handler) DeactivatePaymentKey(c *gin.Context) {
	m := FromContext(c)
	id := c.Param("id")

	if err := h.service.DeactivatePaymentKey(c.Request.Context(), m.ID, id); err != nil {
		httpx.Fail(c, http.StatusNotFound, "payment key not found")
		return
	}

	httpx.OK(c, http.StatusOK, gin.H{"id": id, "active": false})
}
