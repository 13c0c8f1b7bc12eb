package rest

import (
	"net/http"
)

func (h *Handler) addAddresses(w http.ResponseWriter, r *http.Request) {
	req, err := ValidateAddressesRequest(r)
	if err != nil {
		WriteError(w, "addAddresses", err)
		return
	}

	added, err := h.addresses.Add(r.Context(), req.Addresses)
	if err != nil {
		WriteError(w, "addAddresses", err)
		return
	}
	available, err := h.addresses.Available(r.Context())
	if err != nil {
		WriteError(w, "addAddresses", err)
		return
	}

	Success(w, "", map[string]any{
		"added":     added,
		"available": available,
	})
}
