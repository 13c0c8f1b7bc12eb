package rest

import (
	"log"
	"net/http"

	"btc-payable/internal/transport/auth"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) exportObligations(w http.ResponseWriter, r *http.Request) {
	req, err := ValidateExportRequest(r)
	if err != nil {
		WriteError(w, "exportObligations", err)
		return
	}

	operatorID, err := auth.GetOperatorID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	exportID, err := h.exports.StartObligationsExport(r.Context(), req.Fields, req.Filter, operatorID)
	if err != nil {
		WriteError(w, "startObligationsExport", err)
		return
	}

	SuccessAccepted(w, "export queued", map[string]any{
		"export_id": exportID,
	})
}

func (h *Handler) listExports(w http.ResponseWriter, r *http.Request) {
	operatorID, err := auth.GetOperatorID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	exports, err := h.exportList.GetExports(r.Context(), operatorID)
	if err != nil {
		log.Printf("[HTTP] listExports error: %v", err)
		ErrorInternal(w, "failed to get exports")
		return
	}

	Success(w, "", exports)
}

func (h *Handler) getExport(w http.ResponseWriter, r *http.Request) {
	operatorID, err := auth.GetOperatorID(r.Context())
	if err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	exportIDParam := chi.URLParam(r, "export_id")
	if exportIDParam == "" {
		ErrorBadRequest(w, "export_id is required")
		return
	}

	export, err := h.exportList.GetExport(r.Context(), "exports:"+exportIDParam, operatorID)
	if err != nil {
		log.Printf("[HTTP] getExport error: %v", err)
		ErrorNotFound(w, "export not found")
		return
	}

	Success(w, "", export)
}
