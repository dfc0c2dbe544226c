package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelkeeper/internal/errdefs"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// statusFor maps an orchestrator error to its HTTP status.
func statusFor(err error) int {
	switch errdefs.Code(err) {
	case errdefs.CodeAlreadyRunning, errdefs.CodePortInUse:
		return http.StatusConflict
	case errdefs.CodeValidation:
		return http.StatusBadRequest
	case errdefs.CodeTokenFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errCode(err error) string { return errdefs.Code(err) }

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
