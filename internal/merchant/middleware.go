package merchant

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settleflow/internal/httpx"
)

// ContextKeyMerchant is the gin context key for the authenticated merchant.
const ContextKeyMerchant = "merchant"

// RequireAuth validates the Authorization header and puts the merchant in
// the gin context. Requests without a valid sk_ key get a 401 envelope.
func RequireAuth(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader("Authorization")
		if rawKey == "" {
			rawKey = c.GetHeader("X-API-Key")
		}
		if rawKey == "" {
			httpx.Fail(c, http.StatusUnauthorized, "API key required. Include 'Authorization: Bearer sk_...' header.")
			c.Abort()
			return
		}

		m, err := s.ValidateKey(c.Request.Context(), rawKey)
		if err != nil {
			httpx.Fail(c, http.StatusUnauthorized, "invalid API key")
			c.Abort()
			return
		}

		c.Set(ContextKeyMerchant, m)
		c.Next()
	}
}

// FromContext returns the authenticated merchant, or nil.
func FromContext(c *gin.Context) *Merchant {
	v, exists := c.Get(ContextKeyMerchant)
	if !exists {
		return nil
	}
	m, _ := v.(*Merchant)
	return m
}
