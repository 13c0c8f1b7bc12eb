package rest

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"btc-payable/internal/domain"
	"btc-payable/internal/repository"
	"btc-payable/internal/service"

	"github.com/shopspring/decimal"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &ValidationError{Field: "body", Message: "invalid JSON"}
	}
	return nil
}

// decimalField accepts a JSON string or number without going through float64.
func decimalField(raw json.RawMessage, field string) (*decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == `""` {
		return nil, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return nil, &ValidationError{Field: field, Message: field + " must be a decimal number"}
	}
	return &d, nil
}

type rawCreateObligationRequest struct {
	Price       json.RawMessage `json:"price"`
	Currency    string          `json:"currency"`
	Reason      string          `json:"reason"`
	PayableType string          `json:"payable_type"`
	PayableID   interface{}     `json:"payable_id"`
}

func ValidateCreateObligationRequest(r *http.Request) (domain.NewObligationParams, error) {
	var raw rawCreateObligationRequest
	if err := decodeBody(r, &raw); err != nil {
		return domain.NewObligationParams{}, err
	}

	price, err := decimalField(raw.Price, "price")
	if err != nil {
		return domain.NewObligationParams{}, err
	}
	payableID, err := toStringPtr(raw.PayableID)
	if err != nil {
		return domain.NewObligationParams{}, &ValidationError{Field: "payable_id", Message: "payable_id must be string or integer"}
	}

	p := domain.NewObligationParams{
		Currency: raw.Currency,
		Reason:   raw.Reason,
		Payable:  domain.PayableRef{Type: strings.TrimSpace(raw.PayableType)},
	}
	if price != nil {
		p.Price = *price
	}
	if payableID != nil {
		p.Payable.ID = *payableID
	}
	return p, nil
}

type rawTransaction struct {
	TxHash         string          `json:"tx_hash"`
	EstimatedValue interface{}     `json:"estimated_value"`
	BtcConversion  json.RawMessage `json:"btc_conversion"`
	ObservedAt     interface{}     `json:"observed_at"`
}

type rawTransactionsRequest struct {
	Address      string           `json:"address"`
	Transactions []rawTransaction `json:"transactions"`
}

type TransactionsRequest struct {
	Address      string
	Transactions []service.ObservedTransaction
}

// ValidateTransactionsRequest parses a batch of observed transactions. Watcher
// batches must name the address and carry a tx_hash per transaction, and may
// not set btc_conversion; only operators can freeze a rate.
func ValidateTransactionsRequest(r *http.Request, fromWatcher bool) (*TransactionsRequest, error) {
	var raw rawTransactionsRequest
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}

	address := strings.TrimSpace(raw.Address)
	if fromWatcher && address == "" {
		return nil, &ValidationError{Field: "address", Message: "address is required"}
	}
	if len(raw.Transactions) == 0 {
		return nil, &ValidationError{Field: "transactions", Message: "transactions is required and must be a non-empty array"}
	}

	out := make([]service.ObservedTransaction, 0, len(raw.Transactions))
	for _, tx := range raw.Transactions {
		value, err := toInt64Ptr(tx.EstimatedValue)
		if err != nil || value == nil {
			return nil, &ValidationError{Field: "estimated_value", Message: "estimated_value must be an integer number of satoshis"}
		}
		if *value < 0 {
			return nil, &ValidationError{Field: "estimated_value", Message: "estimated_value must not be negative"}
		}
		txHash := strings.TrimSpace(tx.TxHash)
		if fromWatcher && txHash == "" {
			return nil, &ValidationError{Field: "tx_hash", Message: "tx_hash is required"}
		}
		if fromWatcher && len(tx.BtcConversion) > 0 && string(tx.BtcConversion) != "null" {
			return nil, &ValidationError{Field: "btc_conversion", Message: "btc_conversion cannot be set by the watcher"}
		}
		rate, err := decimalField(tx.BtcConversion, "btc_conversion")
		if err != nil {
			return nil, err
		}
		if rate != nil && !rate.IsPositive() {
			return nil, &ValidationError{Field: "btc_conversion", Message: "btc_conversion must be positive"}
		}
		observedAt, err := toTimePtr(tx.ObservedAt)
		if err != nil {
			return nil, &ValidationError{Field: "observed_at", Message: "observed_at must be RFC3339 or empty"}
		}

		ob := service.ObservedTransaction{
			TxHash:         txHash,
			EstimatedValue: *value,
			Rate:           rate,
		}
		if observedAt != nil {
			ob.ObservedAt = *observedAt
		}
		out = append(out, ob)
	}

	return &TransactionsRequest{Address: address, Transactions: out}, nil
}

type rawRateRequest struct {
	Crypto   string          `json:"crypto"`
	Currency string          `json:"currency"`
	Rate     json.RawMessage `json:"rate"`
	AsOf     interface{}     `json:"as_of"`
}

type RateRequest struct {
	Crypto   string
	Currency string
	Rate     decimal.Decimal
	AsOf     time.Time
}

func ValidateRateRequest(r *http.Request, defaultCrypto string) (*RateRequest, error) {
	var raw rawRateRequest
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}

	rate, err := decimalField(raw.Rate, "rate")
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return nil, &ValidationError{Field: "rate", Message: "rate is required"}
	}
	if strings.TrimSpace(raw.Currency) == "" {
		return nil, &ValidationError{Field: "currency", Message: "currency is required"}
	}
	asOf, err := toTimePtr(raw.AsOf)
	if err != nil {
		return nil, &ValidationError{Field: "as_of", Message: "as_of must be RFC3339 or empty"}
	}

	req := &RateRequest{
		Crypto:   strings.TrimSpace(raw.Crypto),
		Currency: strings.TrimSpace(raw.Currency),
		Rate:     *rate,
	}
	if req.Crypto == "" {
		req.Crypto = defaultCrypto
	}
	if asOf != nil {
		req.AsOf = *asOf
	}
	return req, nil
}

type AddressesRequest struct {
	Addresses []string `json:"addresses"`
}

func ValidateAddressesRequest(r *http.Request) (*AddressesRequest, error) {
	var req AddressesRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if len(req.Addresses) == 0 {
		return nil, &ValidationError{Field: "addresses", Message: "addresses is required and must be a non-empty array"}
	}
	return &req, nil
}

type rawExportRequest struct {
	Fields          []string    `json:"fields"`
	State           interface{} `json:"state"`
	Currency        interface{} `json:"currency"`
	PayableType     interface{} `json:"payable_type"`
	CreateStartDate interface{} `json:"create_start_date"`
	CreateEndDate   interface{} `json:"create_end_date"`
}

type ExportRequest struct {
	Fields []string
	Filter repository.ObligationsFilter
}

func ValidateExportRequest(r *http.Request) (*ExportRequest, error) {
	var raw rawExportRequest
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}

	if len(raw.Fields) == 0 {
		return nil, &ValidationError{Field: "fields", Message: "fields is required and must be an array"}
	}

	state, err := toStatePtr(raw.State)
	if err != nil {
		return nil, err
	}
	currency, err := toStringPtr(raw.Currency)
	if err != nil {
		return nil, &ValidationError{Field: "currency", Message: "currency must be string or empty"}
	}
	payableType, err := toStringPtr(raw.PayableType)
	if err != nil {
		return nil, &ValidationError{Field: "payable_type", Message: "payable_type must be string or empty"}
	}
	createFrom, err := toDatePtr(raw.CreateStartDate)
	if err != nil {
		return nil, &ValidationError{Field: "create_start_date", Message: "create_start_date must be YYYY-MM-DD or empty"}
	}
	createTo, err := toDatePtr(raw.CreateEndDate)
	if err != nil {
		return nil, &ValidationError{Field: "create_end_date", Message: "create_end_date must be YYYY-MM-DD or empty"}
	}
	if createTo != nil {
		// inclusive end date
		end := createTo.Add(24*time.Hour - time.Nanosecond)
		createTo = &end
	}

	return &ExportRequest{
		Fields: raw.Fields,
		Filter: repository.ObligationsFilter{
			State:       state,
			Currency:    currency,
			PayableType: payableType,
			CreatedFrom: createFrom,
			CreatedTo:   createTo,
		},
	}, nil
}

// ListFilterFromQuery reads obligation list filters from the query string.
func ListFilterFromQuery(r *http.Request) (repository.ObligationsFilter, error) {
	q := r.URL.Query()
	var f repository.ObligationsFilter

	if v := q.Get("state"); v != "" {
		state, err := toStatePtr(v)
		if err != nil {
			return f, err
		}
		f.State = state
	}
	if v := q.Get("currency"); v != "" {
		f.Currency = &v
	}
	if v := q.Get("payable_type"); v != "" {
		f.PayableType = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &ValidationError{Field: "limit", Message: "limit must be a non-negative integer"}
		}
		f.Limit = n
	}
	if f.Limit == 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return f, nil
}

const maxListLimit = 500

func toStatePtr(v interface{}) (*domain.State, error) {
	s, err := toStringPtr(v)
	if err != nil || s == nil {
		if err != nil {
			return nil, &ValidationError{Field: "state", Message: "state must be string or empty"}
		}
		return nil, nil
	}
	state := domain.State(*s)
	if !state.Valid() {
		return nil, &ValidationError{Field: "state", Message: "unknown state " + strconv.Quote(*s)}
	}
	return &state, nil
}

func toStringPtr(v interface{}) (*string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, nil
		}
		return &t, nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return nil, &ValidationError{Message: "numeric value must be an integer"}
		}
		s := strconv.FormatFloat(t, 'f', 0, 64)
		return &s, nil
	default:
		return nil, &ValidationError{Message: "invalid type for string field"}
	}
}

func toInt64Ptr(v interface{}) (*int64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		if t != float64(int64(t)) {
			return nil, &ValidationError{Message: "not an integer"}
		}
		i := int64(t)
		return &i, nil
	case string:
		if t == "" {
			return nil, nil
		}
		i, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return nil, err
		}
		return &i, nil
	default:
		return nil, &ValidationError{Message: "invalid type for int field"}
	}
}

func toDatePtr(v interface{}) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" {
			return nil, nil
		}
		parsed, err := time.Parse("2006-01-02", t)
		if err != nil {
			return nil, err
		}
		return &parsed, nil
	default:
		return nil, &ValidationError{Message: "invalid type for date field"}
	}
}

func toTimePtr(v interface{}) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t == "" {
			return nil, nil
		}
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return nil, err
		}
		return &parsed, nil
	default:
		return nil, &ValidationError{Message: "invalid type for time field"}
	}
}
