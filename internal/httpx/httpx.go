// Package httpx defines the standard API response envelope.
//
// Every endpoint responds with {"success": bool, "data": ..., "error": ...}
// so clients have a single shape to parse regardless of outcome.
package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settleflow/internal/validation"
)

// Envelope is the standard response body.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   interface{} `json:"error"`
}

// OK writes a success envelope with the given status code.
func OK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

// Fail writes an error envelope with the given status code.
func Fail(c *gin.Context, status int, message string) {
	c.JSON(status, Envelope{Success: false, Error: message})
}

// FailValidation writes a 400 envelope carrying field-level detail.
func FailValidation(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, Envelope{Success: false, Error: errs})
}
