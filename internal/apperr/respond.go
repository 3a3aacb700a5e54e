package apperr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kocbridge/escrow/internal/logging"
)

// Respond writes err as the standard JSON error body. Unclassified errors
// are logged and reported without their internals.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	body := gin.H{"error": CodeOf(err), "message": err.Error()}
	if fields := FieldsOf(err); len(fields) > 0 {
		body["details"] = fields
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		body["message"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

// BadRequest writes a 400 for an unparseable request body.
func BadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body: " + err.Error(),
	})
}
