package rest

import (
	"net/http"
	"strings"
)

func (h *Handler) recordRate(w http.ResponseWriter, r *http.Request) {
	req, err := ValidateRateRequest(r, h.cfg.CryptoKind)
	if err != nil {
		WriteError(w, "recordRate", err)
		return
	}

	rate, err := h.rates.Record(r.Context(), req.Crypto, req.Currency, req.Rate, req.AsOf)
	if err != nil {
		WriteError(w, "recordRate", err)
		return
	}
	Created(w, "rate recorded", newRateView(*rate))
}

func (h *Handler) latestRate(w http.ResponseWriter, r *http.Request) {
	crypto := strings.TrimSpace(r.URL.Query().Get("crypto"))
	if crypto == "" {
		crypto = h.cfg.CryptoKind
	}
	currency := strings.TrimSpace(r.URL.Query().Get("currency"))
	if currency == "" {
		currency = h.cfg.DefaultCurrency
	}

	rate, err := h.rates.LatestRate(r.Context(), crypto, currency)
	if err != nil {
		WriteError(w, "latestRate", err)
		return
	}
	Success(w, "", newRateView(rate))
}
