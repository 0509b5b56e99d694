package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
)

// newLlamaProxy forwards /v1/* to llama-server. Responses are flushed as
// they arrive so SSE streams pass through unbuffered.
func newLlamaProxy(target *url.URL, log *slog.Logger) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(target)
	p.FlushInterval = -1
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if r.Context().Err() != nil {
			return
		}
		log.Warn("llama proxy", "path", r.URL.Path, "err", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": http.StatusBadGateway, "message": "llama server unreachable"},
		})
	}
	return p
}

func (h *Handler) ProxyLlama(c *gin.Context) {
	h.llama.ServeHTTP(c.Writer, c.Request)
}
