package http

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"sideseat/internal/core/domain/apierr"
	"sideseat/internal/core/domain/dataerr"
)

func isProtobuf(contentType string) bool {
	return strings.Contains(contentType, "x-protobuf") || strings.Contains(contentType, "octet-stream")
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// writeAuthError maps credential-resolution failures to the OTLP
// collector's expected 401 surface without leaking whether a key
// hash exists vs. is revoked — both render as Unauthorized.
func writeAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errMissingKey):
		writeAPIErr(c, apierr.Unauthorized("INVALID_CREDENTIAL", err.Error()))
	case errors.Is(err, errRevokedKey), errors.Is(err, dataerr.ErrNotFound):
		writeAPIErr(c, apierr.Unauthorized("INVALID_CREDENTIAL", "unknown ingestion credential"))
	default:
		writeAPIErr(c, apierr.Internal("AUTH_BACKEND_FAILED", "credential lookup failed"))
	}
}

func writeAPIErr(c *gin.Context, apiErr *apierr.Error) {
	c.JSON(int(apiErr.Status), gin.H{
		"error": gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
	c.Abort()
}
