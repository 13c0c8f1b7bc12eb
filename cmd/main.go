package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"btc-payable/internal/clients"
	"btc-payable/internal/config"
	"btc-payable/internal/domain"
	"btc-payable/internal/repository"
	"btc-payable/internal/service"
	"btc-payable/internal/transport/auth"
	"btc-payable/internal/transport/rest"
	"btc-payable/internal/transport/websocket"
	"btc-payable/migrations"
	"btc-payable/pkg/database/postgres"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

// exportFiles is implemented by both export storage drivers.
type exportFiles interface {
	service.FileStore
	Ping(ctx context.Context) error
	CleanupOlderThan(ctx context.Context, d time.Duration) (int, error)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system env or defaults")
	}

	// top-level context which we can cancel on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	db := mustInitPostgres(cfg.Postgres)
	defer postgres.Close(db)

	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, db, migrations.FS); err != nil {
			log.Fatalf("migrate error: %v", err)
		}
	}

	redisClient := mustInitRedis(cfg.Redis)
	defer redisClient.Close()

	var (
		files        exportFiles
		localStorage *clients.LocalStorage
	)
	switch cfg.Storage.Driver {
	case "s3":
		files = mustInitS3(ctx, cfg.S3)
	default:
		storage, err := clients.NewLocalStorage(cfg.Storage.ExportDir, cfg.Storage.PublicPrefix, cfg.Storage.ExternalURL)
		if err != nil {
			log.Fatalf("storage init error: %v", err)
		}
		files = storage
		localStorage = storage
	}

	wsHub := websocket.NewHub()
	go wsHub.Run(ctx)
	wsClient := clients.NewWebSocketClient(wsHub)

	obligationRepo := repository.NewObligationRepository(db)
	conversionRepo := repository.NewCurrencyConversionRepository(db)
	addressRepo := repository.NewAddressPoolRepository(db)
	tokenRepo := repository.NewOperatorTokenRepository(db)

	rateSvc := service.NewRateService(conversionRepo, redisClient)

	var subscriber service.NotificationSubscriber
	switch cfg.Payments.NotifyAdapter {
	case "redis":
		subscriber = clients.NewRedisSubscriber(redisClient)
	default:
		subscriber = clients.NewWebhookSubscriber(cfg.Payments.NotifyWebhookURL, cfg.Payments.NotifyCallbackURL, cfg.Payments.ExternalTimeout)
	}

	var kafkaPublisher *clients.KafkaPublisher
	if cfg.Kafka.Enabled {
		p, err := clients.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.SettledTopic, 5)
		if err != nil {
			log.Fatalf("kafka init error: %v", err)
		}
		kafkaPublisher = p
		defer kafkaPublisher.Close()
	}

	payables := service.NewPayableRegistry()
	for _, payableType := range cfg.Payments.PayableTypes {
		listeners := service.FanOut{wsClient}
		if kafkaPublisher != nil {
			listeners = append(listeners, kafkaPublisher)
		}
		payables.Register(payableType, listeners)
	}

	obligationSvc := service.NewObligationService(obligationRepo, rateSvc, addressRepo, subscriber, payables, cfg.Payments)
	exportSvc := service.NewExportService(obligationRepo, redisClient, files, wsClient)

	operatorMiddleware := auth.OperatorMiddleware(tokenRepo, cfg.Auth.JWTSecret)

	handler := rest.NewHandler(obligationSvc, rateSvc, addressRepo, exportSvc, exportSvc, rest.HandlerConfig{
		CryptoKind:      cfg.Payments.CryptoKind,
		DefaultCurrency: cfg.Payments.DefaultCurrency,
		CallbackSecret:  cfg.Payments.NotifyCallbackSecret,
	})
	handler.AddHealthCheck("postgres", db.PingContext)
	handler.AddHealthCheck("redis", redisClient.Ping)
	handler.AddHealthCheck("storage", files.Ping)
	router := handler.InitRouterWithAuth(operatorMiddleware)

	// public root router; /files stays unauthenticated so download links work
	root := chi.NewRouter()

	if localStorage != nil {
		root.Get(localStorage.PublicPrefix+"/{file}", func(w http.ResponseWriter, r *http.Request) {
			localStorage.ServeFile(w, r, chi.URLParam(r, "file"))
		})
	}

	// protected websocket endpoint: operator export events plus any payable
	// topics the client asks for
	router.With(operatorMiddleware).Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		operatorID, err := auth.GetOperatorID(r.Context())
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		topics := []string{clients.OperatorTopic(operatorID)}
		for _, t := range r.URL.Query()["topic"] {
			if strings.HasPrefix(t, "payable:") {
				topics = append(topics, t)
			}
		}

		log.Printf("[WS] connected: operator_id=%d topics=%v", operatorID, topics)
		wsHub.HandleWebSocket(w, r, topics)
	})

	root.Mount("/", router)

	corsHandler := withCORS(root)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on :%s\n", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	if cfg.RateFeed.URL != "" {
		feed := clients.NewRateFeed(cfg.RateFeed.URL, cfg.Payments.ExternalTimeout)
		go feed.Poll(ctx, cfg.RateFeed.Interval, cfg.Payments.CryptoKind, cfg.RateFeed.Currencies, rateSvc)
	}

	var kafkaConsumer *clients.KafkaConsumer
	if cfg.Kafka.Enabled {
		c, err := clients.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.ObservedTopic, 5, observedTxHandler(obligationSvc))
		if err != nil {
			log.Fatalf("kafka consumer init error: %v", err)
		}
		kafkaConsumer = c
		go kafkaConsumer.Run(ctx)
	}

	// background cleaner for exported files
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := files.CleanupOlderThan(ctx, cfg.Storage.FileTTL)
				if err != nil {
					log.Printf("storage cleanup error: %v", err)
				}
				if removed > 0 {
					log.Printf("[EXPORT] removed %d expired files", removed)
				}
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-srvErr:
		if err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	case sig := <-stop:
		log.Printf("Shutdown signal received: %v", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server Shutdown error: %v", err)
		}

		// stops the websocket hub, rate feed and cleaner
		cancel()

		if kafkaConsumer != nil {
			if err := kafkaConsumer.Close(); err != nil {
				log.Printf("kafka consumer close error: %v", err)
			}
		}

		log.Println("Shutdown complete")
	}
}

// observedTxHandler applies watcher events from Kafka. Unknown addresses and
// invalid payloads are never going to succeed, so they are skipped.
func observedTxHandler(svc *service.ObligationService) clients.ObservedTxHandler {
	return func(ctx context.Context, ev clients.ObservedTxEvent) error {
		_, err := svc.RecordByAddress(ctx, ev.Address, []service.ObservedTransaction{{
			TxHash:         ev.TxHash,
			EstimatedValue: ev.EstimatedValue,
			ObservedAt:     ev.ObservedAt,
		}})
		if err == nil {
			return nil
		}

		var verr *domain.ValidationError
		if errors.Is(err, domain.ErrNotFound) || errors.As(err, &verr) {
			return fmt.Errorf("%w: %v", clients.ErrSkipEvent, err)
		}
		return err
	}
}

func mustInitPostgres(cfg config.PostgresConfig) *sql.DB {
	db, err := postgres.NewPostgresConnection(postgres.ConnectionInfo{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		DBName:   cfg.DBName,
		SSLMode:  cfg.SSLMode,
		Password: cfg.Password,
	})
	if err != nil {
		log.Fatalf("postgres init error: %v", err)
	}
	return db
}

func mustInitRedis(cfg config.RedisConfig) *clients.RedisClient {
	client, err := clients.NewRedisClient(clients.RedisConfig{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: time.Duration(cfg.DialTimeout) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		Prefix:      cfg.Prefix,
	})
	if err != nil {
		log.Fatalf("redis init error: %v", err)
	}
	return client
}

func mustInitS3(ctx context.Context, cfg config.S3Config) *clients.S3Client {
	client, err := clients.NewS3Client(ctx, clients.S3Config{
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          cfg.Bucket,
		UseSSL:          cfg.UseSSL,
		Region:          cfg.Region,
		Prefix:          cfg.Prefix,
		URLTTL:          cfg.URLTTL,
	})
	if err != nil {
		log.Fatalf("s3 init error: %v", err)
	}
	return client
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")

			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Callback-Token")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
