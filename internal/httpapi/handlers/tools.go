package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/tools"
)

func (h *Handler) ListTools(c *gin.Context) {
	common.OK(c, h.Tools.Definitions())
}

// ExecuteTool answers with the tool envelope itself. Tool failures are
// Success=false with HTTP 200 so the caller can hand them to the model.
func (h *Handler) ExecuteTool(c *gin.Context) {
	var call tools.Call
	if err := c.ShouldBindJSON(&call); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	resp, err := h.Tools.Execute(c.Request.Context(), call)
	if err != nil {
		h.Log.Error("tool execute", "tool", call.ToolName, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50005, err.Error())
		return
	}
	c.JSON(http.StatusOK, resp)
}
