package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"product-import-service/internal/models"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, models.ErrorResponse{
		Success: false,
		Error: models.Error{
			Code:    code,
			Message: message,
		},
	})
}

// parseID reads a numeric path parameter, writing a 400 when it is malformed.
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "Invalid "+name+" format")
		return 0, false
	}
	return uint(id), true
}

// parseOptionalBool reads a tri-state boolean query parameter.
func parseOptionalBool(c *gin.Context, name string) (*bool, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PARAMETER", name+" must be true or false")
		return nil, false
	}
	return &v, true
}

func parseOptionalString(c *gin.Context, name string) *string {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil
	}
	return &raw
}
