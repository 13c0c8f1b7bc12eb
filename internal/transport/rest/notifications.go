package rest

import (
	"net/http"
)

// notifyTransactions is the chain watcher callback. The watcher only knows
// the receiving address.
func (h *Handler) notifyTransactions(w http.ResponseWriter, r *http.Request) {
	req, err := ValidateTransactionsRequest(r, true)
	if err != nil {
		WriteError(w, "notifyTransactions", err)
		return
	}

	ev, err := h.obligations.RecordByAddress(r.Context(), req.Address, req.Transactions)
	if err != nil {
		WriteError(w, "notifyTransactions", err)
		return
	}
	Success(w, "", newEvaluationView(ev))
}
