package handlers

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/config"
	"github.com/csSone/LlamacppServer/internal/logger"
	"github.com/csSone/LlamacppServer/internal/store/completion"
	"github.com/csSone/LlamacppServer/internal/tools"
)

type Handler struct {
	DB    *gorm.DB
	Cfg   config.Config
	Repo  *completion.Repo
	Tools *tools.Registry
	Log   *slog.Logger

	llama *httputil.ReverseProxy
}

func NewHandler(db *gorm.DB, cfg config.Config, reg *tools.Registry, log *slog.Logger) (*Handler, error) {
	h := &Handler{
		DB:    db,
		Cfg:   cfg,
		Repo:  completion.NewRepo(db),
		Tools: reg,
		Log:   logger.OrDefault(log),
	}
	target, err := url.Parse(cfg.LlamaBaseURL)
	if err != nil {
		return nil, err
	}
	h.llama = newLlamaProxy(target, h.Log)
	return h, nil
}

func (h *Handler) Ping(c *gin.Context) {
	if sqlDB, err := h.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		common.Fail(c, http.StatusServiceUnavailable, 50300, "database unavailable")
		return
	}
	common.OK(c, gin.H{"pong": true})
}
