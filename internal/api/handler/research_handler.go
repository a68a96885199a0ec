package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"siteops/internal/api/middleware"
	"siteops/internal/app/service"
	"siteops/internal/common"

	"github.com/go-chi/chi/v5"
)

type ResearchService interface {
	Lookup(ctx context.Context, req service.ResearchRequest) (service.ResearchResult, error)
}

type ResearchHandler struct {
	research ResearchService
	logger   *slog.Logger
}

func NewResearchHandler(research ResearchService, logger *slog.Logger) *ResearchHandler {
	return &ResearchHandler{research: research, logger: logger}
}

func (h *ResearchHandler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Authenticator)
	r.Use(middleware.AdminOnly)
	r.Post("/", h.lookup) // POST /api/v1/research
}

func (h *ResearchHandler) lookup(w http.ResponseWriter, r *http.Request) {
	var req service.ResearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	result, err := h.research.Lookup(r.Context(), req)
	if err != nil {
		common.RespondWithErr(w, err)
		return
	}
	h.logger.Debug("research lookup", "source", result.Source, "entries", len(result.EntryIDs))
	common.RespondWithJSON(w, http.StatusOK, result)
}
