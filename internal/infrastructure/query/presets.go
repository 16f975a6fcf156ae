package query

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"sideseat/internal/core/domain/apierr"
	"sideseat/internal/core/domain/tx"
	"sideseat/pkg/ulid"
)

// Filter presets: saved filter-DSL documents per project, reusable
// across the list endpoints. The stored JSON is validated with the same
// parser the `filters` query parameter runs through, both on save and
// (by the consuming client) on use.

func (h *Handler) registerPresets(r gin.IRoutes) {
	r.GET("/v1/projects/:project_id/filter-presets", h.listPresets)
	r.POST("/v1/projects/:project_id/filter-presets", h.savePreset)
	r.DELETE("/v1/projects/:project_id/filter-presets/:preset_id", h.deletePreset)
}

func (h *Handler) listPresets(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	presets, err := h.Tx.ListFilterPresets(c.Request.Context(), projectID)
	if err != nil {
		writeDataErr(c, h.Log, "list filter presets", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": presets})
}

type savePresetRequest struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Filters json.RawMessage `json:"filters"`
}

func (h *Handler) savePreset(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	var req savePresetRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		writeErr(c, apierr.BadRequest("INVALID_PRESET_BODY", "body must carry name and filters"))
		return
	}
	if _, aerr := parseFilters(string(req.Filters)); aerr != nil {
		writeErr(c, aerr)
		return
	}

	preset := tx.FilterPreset{ProjectID: projectID, Name: req.Name, Filters: req.Filters}
	if req.ID != "" {
		id, err := ulid.Parse(req.ID)
		if err != nil {
			writeErr(c, apierr.BadRequest("INVALID_PRESET_ID", "preset id must be a ULID"))
			return
		}
		preset.ID = id
	} else {
		preset.ID = ulid.New()
	}

	if err := h.Tx.SaveFilterPreset(c.Request.Context(), preset); err != nil {
		writeDataErr(c, h.Log, "save filter preset", err)
		return
	}
	c.JSON(http.StatusOK, preset)
}

func (h *Handler) deletePreset(c *gin.Context) {
	projectID, ok := h.resolveProject(c)
	if !ok {
		return
	}
	if err := h.Tx.DeleteFilterPreset(c.Request.Context(), projectID, c.Param("preset_id")); err != nil {
		writeDataErr(c, h.Log, "delete filter preset", err)
		return
	}
	c.Status(http.StatusNoContent)
}
