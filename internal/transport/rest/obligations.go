package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) createObligation(w http.ResponseWriter, r *http.Request) {
	p, err := ValidateCreateObligationRequest(r)
	if err != nil {
		WriteError(w, "createObligation", err)
		return
	}

	o, err := h.obligations.Create(r.Context(), p)
	if err != nil {
		if o != nil {
			// Stored without an address; POST /obligations/{id}/address retries.
			SuccessAccepted(w, "obligation created, address pending", newObligationView(o))
			return
		}
		WriteError(w, "createObligation", err)
		return
	}

	Created(w, "obligation created", newObligationView(o))
}

func (h *Handler) listObligations(w http.ResponseWriter, r *http.Request) {
	f, err := ListFilterFromQuery(r)
	if err != nil {
		WriteError(w, "listObligations", err)
		return
	}

	list, err := h.obligations.List(r.Context(), f)
	if err != nil {
		WriteError(w, "listObligations", err)
		return
	}

	out := make([]obligationView, 0, len(list))
	for i := range list {
		out = append(out, newObligationView(&list[i]))
	}
	Success(w, "", out)
}

func (h *Handler) getObligation(w http.ResponseWriter, r *http.Request) {
	o, err := h.obligations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, "getObligation", err)
		return
	}
	Success(w, "", newObligationView(o))
}

func (h *Handler) recordTransactions(w http.ResponseWriter, r *http.Request) {
	req, err := ValidateTransactionsRequest(r, false)
	if err != nil {
		WriteError(w, "recordTransactions", err)
		return
	}

	ev, err := h.obligations.RecordTransactions(r.Context(), chi.URLParam(r, "id"), req.Transactions)
	if err != nil {
		WriteError(w, "recordTransactions", err)
		return
	}
	Success(w, "", newEvaluationView(ev))
}

func (h *Handler) checkObligation(w http.ResponseWriter, r *http.Request) {
	ev, err := h.obligations.OnNewTransactionsObserved(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, "checkObligation", err)
		return
	}
	Success(w, "", newEvaluationView(ev))
}

func (h *Handler) recomputeObligation(w http.ResponseWriter, r *http.Request) {
	o, err := h.obligations.RecomputeCryptoAmountDue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, "recomputeObligation", err)
		return
	}
	Success(w, "", newObligationView(o))
}

func (h *Handler) compObligation(w http.ResponseWriter, r *http.Request) {
	ev, err := h.obligations.Comp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, "compObligation", err)
		return
	}
	Success(w, "", newEvaluationView(ev))
}

func (h *Handler) ensureAddress(w http.ResponseWriter, r *http.Request) {
	o, err := h.obligations.EnsureAddress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, "ensureAddress", err)
		return
	}
	Success(w, "", newObligationView(o))
}
