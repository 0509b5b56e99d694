package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/persist"
)

const maxPayloadBytes = 64 << 20

func completionName(c *gin.Context) (string, bool) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "name required")
		return "", false
	}
	return name, true
}

func (h *Handler) ListCompletions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.Repo.List(c.Request.Context(), limit)
	if err != nil {
		h.Log.Error("list completions", "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list completions")
		return
	}
	common.OK(c, list)
}

type createCompletionReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateCompletion(c *gin.Context) {
	var req createCompletionReq
	_ = c.ShouldBindJSON(&req) // allow empty body

	rec, err := h.Repo.Create(c.Request.Context(), req.Title)
	if err != nil {
		h.Log.Error("create completion", "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create completion")
		return
	}
	common.OK(c, rec)
}

func (h *Handler) GetCompletion(c *gin.Context) {
	name, ok := completionName(c)
	if !ok {
		return
	}
	rec, err := h.Repo.Get(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "completion not found")
			return
		}
		h.Log.Error("get completion", "id", name, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load completion")
		return
	}
	common.OK(c, rec)
}

func (h *Handler) SaveCompletion(c *gin.Context) {
	name, ok := completionName(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes)

	var rec persist.Completion
	if err := c.ShouldBindJSON(&rec); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if rec.ID == "" {
		rec.ID = name
	}
	if rec.ID != name {
		common.Fail(c, http.StatusBadRequest, 10003, "id does not match name")
		return
	}

	if err := h.Repo.Save(c.Request.Context(), &rec); err != nil {
		h.Log.Error("save completion", "id", name, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to save completion")
		return
	}
	h.Log.Debug("completion saved", "id", name,
		"params", humanize.Bytes(uint64(len(rec.ParamsJSON))),
		"updated_at", rec.UpdatedAt,
	)
	common.OK(c, gin.H{"id": rec.ID, "updatedAt": rec.UpdatedAt})
}

func (h *Handler) DeleteCompletion(c *gin.Context) {
	name, ok := completionName(c)
	if !ok {
		return
	}
	if err := h.Repo.Delete(c.Request.Context(), name); err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "completion not found")
			return
		}
		h.Log.Error("delete completion", "id", name, "err", err)
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to delete completion")
		return
	}
	common.OK(c, gin.H{"id": name})
}
