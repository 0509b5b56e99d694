package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/config"
	"github.com/csSone/LlamacppServer/internal/httpapi/handlers"
	"github.com/csSone/LlamacppServer/internal/httpapi/middleware"
	"github.com/csSone/LlamacppServer/internal/tools"
)

func NewRouter(db *gorm.DB, cfg config.Config, reg *tools.Registry, log *slog.Logger) (*gin.Engine, error) {
	h, err := handlers.NewHandler(db, cfg, reg, log)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// completion store
	api := r.Group("/api")
	api.GET("/chat/completion/list", h.ListCompletions)
	api.POST("/chat/completion/create", h.CreateCompletion)
	api.GET("/chat/completion/get", h.GetCompletion)
	api.POST("/chat/completion/save", h.SaveCompletion)
	api.DELETE("/chat/completion/delete", h.DeleteCompletion)

	// tools
	api.GET("/tools/list", h.ListTools)
	api.POST("/tools/execute", h.ExecuteTool)

	// llama-server passthrough
	r.Any("/v1/*path", h.ProxyLlama)
	return r, nil
}
