package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"btc-payable/internal/domain"
)

type APIResponse struct {
	ErrorCode int    `json:"error_code"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
}

func Response(w http.ResponseWriter, message string, data any, errorCode int, status string, httpStatus int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	response := APIResponse{
		ErrorCode: errorCode,
		Status:    status,
		Message:   message,
		Data:      data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[HTTP] write response error: %v", err)
	}
}

func Success(w http.ResponseWriter, message string, data any) {
	Response(w, message, data, 0, "success", http.StatusOK)
}

func Created(w http.ResponseWriter, message string, data any) {
	Response(w, message, data, 0, "success", http.StatusCreated)
}

func SuccessAccepted(w http.ResponseWriter, message string, data any) {
	Response(w, message, data, 0, "success", http.StatusAccepted)
}

func Error(w http.ResponseWriter, message string, errorCode int, httpStatus int) {
	Response(w, message, nil, errorCode, "error", httpStatus)
}

func ErrorBadRequest(w http.ResponseWriter, message string) {
	Error(w, message, 400, http.StatusBadRequest)
}

func ErrorUnauthorized(w http.ResponseWriter, message string) {
	Error(w, message, 401, http.StatusUnauthorized)
}

func ErrorNotFound(w http.ResponseWriter, message string) {
	Error(w, message, 404, http.StatusNotFound)
}

func ErrorInternal(w http.ResponseWriter, message string) {
	Error(w, message, 500, http.StatusInternalServerError)
}

// sentinelResponses maps domain sentinels to the status and message clients
// see. Order matters only for errors wrapping more than one sentinel.
var sentinelResponses = []struct {
	err     error
	status  int
	message string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not found"},
	{domain.ErrRateUnavailable, http.StatusServiceUnavailable, "exchange rate unavailable"},
	{domain.ErrAddressPoolEmpty, http.StatusServiceUnavailable, "no receiving address available"},
	{domain.ErrAddressAssigned, http.StatusConflict, "receiving address already assigned"},
}

// WriteError maps service errors onto the response envelope. Unknown errors
// are logged under op and hidden behind a generic message.
func WriteError(w http.ResponseWriter, op string, err error) {
	var (
		reqErr *ValidationError
		domErr *domain.ValidationError
	)
	if errors.As(err, &reqErr) {
		ErrorBadRequest(w, reqErr.Message)
		return
	}
	if errors.As(err, &domErr) {
		ErrorBadRequest(w, domErr.Error())
		return
	}

	for _, m := range sentinelResponses {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				log.Printf("[HTTP] %s: %v", op, err)
			}
			Error(w, m.message, m.status, m.status)
			return
		}
	}

	log.Printf("[HTTP] %s error: %v", op, err)
	ErrorInternal(w, "internal error")
}
