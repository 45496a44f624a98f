package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/modelrelay/relay/internal"
)

type modelListResponse struct {
	Data     []gateway.Model `json:"data"`
	Total    int             `json:"total"`
	Returned int             `json:"returned"`
}

// handleListModels returns the normalized catalog for one gateway, or the
// aggregated catalog when gateway is absent or "all". An optional limit
// query parameter truncates the response; total always reflects the full
// catalog size.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	gw := r.URL.Query().Get("gateway")

	models, err := s.deps.Catalog.Models(r.Context(), gw)
	if err != nil {
		writeError(w, r, err)
		return
	}

	total := len(models)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit >= 0 && limit < total {
			models = models[:limit]
		}
	}
	if models == nil {
		models = []gateway.Model{}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Data:     models,
		Total:    total,
		Returned: len(models),
	})
}

// handleCatalogModel resolves a single catalog record by gateway and model
// path. The model segment is a chi wildcard, so IDs containing literal
// slashes ("meta-llama/Llama-3.3-70B") resolve without URL encoding;
// encoded slashes arrive already decoded in the route path.
func (s *server) handleCatalogModel(w http.ResponseWriter, r *http.Request) {
	gw := chi.URLParam(r, "gateway")
	modelID := chi.URLParam(r, "*")
	if modelID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing model path", "validation_error"))
		return
	}

	m, err := s.deps.Catalog.LookupIn(r.Context(), gw, modelID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
