/**
 * @description
 * This is the main entry point for the remittance service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the anchor directory and SEP clients, message broker,
 * repositories, the transfer orchestrator, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/anchor: SEP-10/12/6 clients and the anchor directory.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hoepeyemi/gwen-sub000/internal/api"
	"github.com/hoepeyemi/gwen-sub000/internal/app"
	"github.com/hoepeyemi/gwen-sub000/internal/config"
	"github.com/hoepeyemi/gwen-sub000/internal/store"
	"github.com/hoepeyemi/gwen-sub000/pkg/anchor"
	"github.com/hoepeyemi/gwen-sub000/pkg/rabbitmq"
)

func main() {
	// Load a .env file if present; real deployments use environment variables.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.AnchorHomeDomain) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"anchor home domain must be configured\" env=ANCHOR_HOME_DOMAIN")
	}

	log.Printf("level=info component=bootstrap msg=\"starting remittance-service\" port=%s anchor=%s", cfg.ServerPort, cfg.AnchorHomeDomain)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish transfer lifecycle events.
	var publisher rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rabbitmq.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the phone verification code store.
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"redis url parse failed\" err=%v", err)
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"redis ping failed\" err=%v", err)
	}
	defer redisClient.Close()
	log.Println("level=info component=bootstrap msg=\"redis connected\"")

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Anchor directory and stateless SEP clients share one manifest cache.
	directory := anchor.NewDirectory()
	authClient := anchor.NewChallengeAuthClient(directory)
	customerClient := anchor.NewCustomerInfoClient(directory)
	exchangeClient := anchor.NewExchangeClient(directory)

	// Phone verification: bypass codes exist only outside production.
	var bypass app.TestBypassPolicy
	if !cfg.IsProduction() && cfg.VerificationBypassCode != "" {
		log.Println("level=warn component=bootstrap msg=\"verification bypass code enabled\"")
		bypass = &app.FixedCodeBypass{Code: cfg.VerificationBypassCode}
	}
	verifier := app.NewPhoneVerifier(
		app.NewRedisCodeStore(redisClient, "gwen:verification"),
		app.LogCodeSender{},
		bypass,
		time.Duration(cfg.VerificationCodeTTLSec)*time.Second,
		int64(cfg.VerificationMaxTries),
	)

	orchestrator := app.NewOrchestrator(
		repository,
		authClient,
		customerClient,
		exchangeClient,
		publisher,
		cfg.AnchorHomeDomain,
		cfg.FiatAsset,
		cfg.ChainAsset,
	)

	// Periodically sweep abandoned authentication sessions.
	sweeper := app.NewSessionSweeper(
		repository,
		slog.Default(),
		cfg.SessionSweepSchedule,
		time.Duration(cfg.SessionMaxAgeMinutes)*time.Minute,
	)
	sweeper.Start()
	defer sweeper.Stop()

	transferHandlers := api.NewTransferHandlers(orchestrator, verifier)

	router := chi.NewRouter()
	router.Mount("/", api.TransferRoutes(transferHandlers, cfg.JWKSURL))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

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
