package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/it-agent/support-console/pkg/logger"
)

// 统一响应辅助 (所有 handler 共用)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

// badGateway agent 不可达 — 瞬态故障, 前端按可重试提示。
func badGateway(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Warn("agent unreachable", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": gin.H{"code": "agent_unavailable", "message": "后端 agent 暂时不可达"}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "服务器内部错误"}})
}
