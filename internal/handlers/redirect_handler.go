package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/InviteTracker/internal/services"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
)

type RedirectHandler struct {
	Materializer *services.Materializer
	log          *logger.Logger
}

func NewRedirectHandler(m *services.Materializer, log *logger.Logger) *RedirectHandler {
	return &RedirectHandler{Materializer: m, log: log}
}

// Redirect 访问跳转链接时按需生成平台邀请码，并以 307 跳转到平台邀请链接
func (h *RedirectHandler) Redirect(c *gin.Context) {
	url, err := h.Materializer.Materialize(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusTemporaryRedirect, url)
}
