package rest

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"btc-payable/internal/domain"
	"btc-payable/internal/repository"
	"btc-payable/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

type ObligationService interface {
	Create(ctx context.Context, p domain.NewObligationParams) (*domain.Obligation, error)
	EnsureAddress(ctx context.Context, id string) (*domain.Obligation, error)
	Get(ctx context.Context, id string) (*domain.Obligation, error)
	List(ctx context.Context, f repository.ObligationsFilter) ([]domain.Obligation, error)
	RecordTransactions(ctx context.Context, id string, observed []service.ObservedTransaction) (*service.Evaluation, error)
	RecordByAddress(ctx context.Context, address string, observed []service.ObservedTransaction) (*service.Evaluation, error)
	OnNewTransactionsObserved(ctx context.Context, id string) (*service.Evaluation, error)
	Comp(ctx context.Context, id string) (*service.Evaluation, error)
	RecomputeCryptoAmountDue(ctx context.Context, id string) (*domain.Obligation, error)
}

type RateService interface {
	LatestRate(ctx context.Context, crypto, currency string) (domain.ExchangeRate, error)
	Record(ctx context.Context, crypto, currency string, rate decimal.Decimal, asOf time.Time) (*domain.ExchangeRate, error)
}

type AddressPool interface {
	Add(ctx context.Context, addresses []string) (int, error)
	Available(ctx context.Context) (int64, error)
}

type ObligationExporter interface {
	StartObligationsExport(ctx context.Context, selected []string, filter repository.ObligationsFilter, operatorID int64) (string, error)
}

type ExportListService interface {
	GetExports(ctx context.Context, operatorID int64) ([]map[string]any, error)
	GetExport(ctx context.Context, exportID string, operatorID int64) (map[string]any, error)
}

type HandlerConfig struct {
	CryptoKind      string
	DefaultCurrency string
	// CallbackSecret guards the watcher callback when set.
	CallbackSecret string
}

type Handler struct {
	obligations ObligationService
	rates       RateService
	addresses   AddressPool
	exports     ObligationExporter
	exportList  ExportListService
	cfg         HandlerConfig
	checks      map[string]func(context.Context) error
}

func NewHandler(
	obligations ObligationService,
	rates RateService,
	addresses AddressPool,
	exports ObligationExporter,
	exportList ExportListService,
	cfg HandlerConfig,
) *Handler {
	return &Handler{
		obligations: obligations,
		rates:       rates,
		addresses:   addresses,
		exports:     exports,
		exportList:  exportList,
		cfg:         cfg,
		checks:      make(map[string]func(context.Context) error),
	}
}

// AddHealthCheck registers a dependency probed by GET /health.
func (h *Handler) AddHealthCheck(name string, check func(context.Context) error) {
	h.checks[name] = check
}

func (h *Handler) InitRouter() *chi.Mux {
	return h.InitRouterWithAuth(nil)
}

func (h *Handler) InitRouterWithAuth(authMiddleware func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
	)

	r.Get("/health", h.health)
	r.With(h.callbackAuth).Post("/notifications/transactions", h.notifyTransactions)

	r.Group(func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware)
		}

		r.Route("/obligations", func(r chi.Router) {
			r.Post("/", h.createObligation)
			r.Get("/", h.listObligations)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getObligation)
				r.Post("/transactions", h.recordTransactions)
				r.Post("/check", h.checkObligation)
				r.Post("/recompute", h.recomputeObligation)
				r.Post("/comp", h.compObligation)
				r.Post("/address", h.ensureAddress)
			})
		})

		r.Route("/rates", func(r chi.Router) {
			r.Post("/", h.recordRate)
			r.Get("/latest", h.latestRate)
		})

		r.Post("/addresses", h.addAddresses)

		r.Route("/export", func(r chi.Router) {
			r.Get("/", h.listExports)
			r.Get("/{export_id}", h.getExport)
			r.Post("/obligations", h.exportObligations)
		})
	})

	return r
}

func (h *Handler) callbackAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no secret configured means the callback is closed
		got := r.Header.Get("X-Callback-Token")
		if h.cfg.CallbackSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.CallbackSecret)) != 1 {
			ErrorUnauthorized(w, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		Response(w, "unhealthy", status, 503, "error", http.StatusServiceUnavailable)
		return
	}
	Success(w, "ok", status)
}
