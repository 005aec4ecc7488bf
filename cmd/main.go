/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, gateway adapters, message brokers, repositories, the core
 * application service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/gateway, internal/store: Internal packages.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/skoolpay/settlement-service/internal/api"
	"github.com/skoolpay/settlement-service/internal/app"
	"github.com/skoolpay/settlement-service/internal/config"
	"github.com/skoolpay/settlement-service/internal/domain"
	"github.com/skoolpay/settlement-service/internal/gateway"
	"github.com/skoolpay/settlement-service/internal/store"
	rmrabbit "github.com/skoolpay/settlement-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s environment=%s", cfg.ServerPort, cfg.Environment)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the initiation rate limiter. Missing Redis degrades to
	// unlimited rather than blocking startup.
	var redisClient *redis.Client
	if cfg.InitiateRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; initiation rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; initiation rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; initiation rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Build the gateway stack: signer, token provider, one adapter per rail.
	signer, err := gateway.NewSigner(cfg.BankCheckoutSecret, cfg.MobileMoneyPushSecret, cfg.BankUSSDPrivateKeyPEM)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"gateway signer init failed\" err=%v", err)
	}
	gatewayTimeout := time.Duration(cfg.GatewayTimeoutSeconds) * time.Second
	tokens := gateway.NewTokenProvider(map[domain.GatewayKind]gateway.Credential{
		domain.GatewayMobileMoney: {
			TokenURL:       cfg.MobileMoneyTokenURL,
			ConsumerKey:    cfg.MobileMoneyConsumerKey,
			ConsumerSecret: cfg.MobileMoneyConsumerSecret,
		},
		domain.GatewayBankCheckout: {
			TokenURL:       cfg.BankCheckoutTokenURL,
			ConsumerKey:    cfg.BankCheckoutConsumerKey,
			ConsumerSecret: cfg.BankCheckoutConsumerSecret,
		},
		domain.GatewayBankUSSD: {
			TokenURL:       cfg.BankUSSDTokenURL,
			ConsumerKey:    cfg.BankUSSDConsumerKey,
			ConsumerSecret: cfg.BankUSSDConsumerSecret,
		},
	}, gatewayTimeout)

	adapters := map[domain.GatewayKind]gateway.Adapter{}
	if cfg.MobileMoneyBaseURL != "" {
		adapters[domain.GatewayMobileMoney] = gateway.NewMobileMoneyAdapter(gateway.Config{
			BaseURL:         cfg.MobileMoneyBaseURL,
			MerchantCode:    cfg.MobileMoneyShortCode,
			CallbackBaseURL: cfg.CallbackBaseURL,
			Environment:     cfg.Environment,
			Timeout:         gatewayTimeout,
		}, signer, tokens, cfg.Currency, cfg.MobileMoneyTelco)
	}
	if cfg.BankCheckoutBaseURL != "" {
		adapters[domain.GatewayBankCheckout] = gateway.NewBankCheckoutAdapter(gateway.Config{
			BaseURL:         cfg.BankCheckoutBaseURL,
			MerchantCode:    cfg.BankCheckoutMerchantCode,
			CallbackBaseURL: cfg.CallbackBaseURL,
			Environment:     cfg.Environment,
			Timeout:         gatewayTimeout,
		}, signer, tokens, cfg.Currency)
	}
	if cfg.BankUSSDBaseURL != "" {
		adapters[domain.GatewayBankUSSD] = gateway.NewBankUSSDAdapter(gateway.Config{
			BaseURL:         cfg.BankUSSDBaseURL,
			MerchantCode:    cfg.BankUSSDAccountNumber,
			CallbackBaseURL: cfg.CallbackBaseURL,
			Environment:     cfg.Environment,
			Timeout:         gatewayTimeout,
		}, signer, tokens, cfg.Currency)
	}
	log.Printf("level=info component=bootstrap msg=\"gateway adapters configured\" count=%d", len(adapters))

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	settlementService := app.NewService(
		repository,
		adapters,
		producer,
		time.Duration(cfg.StalePendingHorizonMinutes)*time.Minute,
	)

	// Initialize the API handlers.
	var rateLimiter api.RateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}
	paymentHandlers := api.NewPaymentHandlers(settlementService, rateLimiter, cfg.InitiateRateLimitPerMinute, time.Minute)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/settlement", api.SettlementRoutes(paymentHandlers, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the broker settlement feed: a second delivery channel for the
	// same gateway notifications the HTTP callbacks carry.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; settlement feed disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		feedBindings := map[string]func([]byte) bool{
			rmrabbit.SettlementFeedRoutingKey(string(domain.GatewayMobileMoney)):  app.NewSettlementFeedHandler(settlementService, domain.GatewayMobileMoney),
			rmrabbit.SettlementFeedRoutingKey(string(domain.GatewayBankCheckout)): app.NewSettlementFeedHandler(settlementService, domain.GatewayBankCheckout),
			rmrabbit.SettlementFeedRoutingKey(string(domain.GatewayBankUSSD)):     app.NewSettlementFeedHandler(settlementService, domain.GatewayBankUSSD),
		}
		if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.SettlementExchange, cfg.SettlementFeedQueue, feedBindings); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"settlement feed consumer start failed\" err=%v", err)
		} else {
			log.Println("level=info component=bootstrap msg=\"settlement feed consumer started\"")
		}
	}

	// Start the maintenance scheduler.
	scheduler := app.NewScheduler(settlementService)
	scheduler.Start(cfg.SweepCronSpec, cfg.ReconcileCronSpec)
	defer scheduler.Stop()

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
