package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agent-console/go-console/pkg/errors"
	"github.com/agent-console/go-console/pkg/logger"
)

// 统一响应辅助 (所有 handler 共用)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func conflict(c *gin.Context, code, message string) {
	c.JSON(http.StatusConflict, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "服务器内部错误"}})
}

// actionError 把用户动作的 AppError 映射为 HTTP 状态。
//
// 只有用户动作会走到这里 — 折叠/重建路径本地降级, 从不抛错。
func actionError(c *gin.Context, err error) {
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		notFound(c, err.Error())
	case apperrors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "invalid_input", err.Error())
	case apperrors.Is(err, apperrors.ErrNoWorkspace):
		badRequest(c, "no_workspace", err.Error())
	case apperrors.Is(err, apperrors.ErrRunInactive):
		conflict(c, "run_inactive", err.Error())
	default:
		serverError(c, err)
	}
}
