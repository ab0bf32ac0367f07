// Package httpapi exposes the engine's components over HTTP (gin) and one
// WebSocket endpoint, per the external interface surface.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// envelope is the shared response shape: every success response embeds its
// fields alongside success:true; every error response is exactly
// {success:false, message}.
type envelope map[string]interface{}

func ok(c *gin.Context, fields envelope) {
	if fields == nil {
		fields = envelope{}
	}
	fields["success"] = true
	c.JSON(http.StatusOK, fields)
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, envelope{"success": false, "message": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	fail(c, http.StatusBadRequest, err)
}

func serverError(c *gin.Context, err error) {
	fail(c, http.StatusInternalServerError, err)
}
