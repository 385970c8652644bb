package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/api-sage/mpesa-ledger-bridge/internal/adapter/http/controller"
	"github.com/api-sage/mpesa-ledger-bridge/internal/adapter/http/middleware"
	"github.com/api-sage/mpesa-ledger-bridge/internal/adapter/http/router"
	"github.com/api-sage/mpesa-ledger-bridge/internal/adapter/mpesa"
	"github.com/api-sage/mpesa-ledger-bridge/internal/adapter/rabbitmq"
	redisadapter "github.com/api-sage/mpesa-ledger-bridge/internal/adapter/redis"
	"github.com/api-sage/mpesa-ledger-bridge/internal/adapter/repository/postgres"
	"github.com/api-sage/mpesa-ledger-bridge/internal/config"
	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/gateway/ledger"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
	"github.com/api-sage/mpesa-ledger-bridge/internal/usecase/saga"
	"github.com/api-sage/mpesa-ledger-bridge/internal/usecase/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server exited with error", err, nil)
		log.Fatalf("server exited: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := postgres.RunMigrations(cfg.DatabaseDSN); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("migrations completed", nil)

	db, err := postgres.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	amqpConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer amqpConn.Close()

	publisher, err := rabbitmq.NewPublisher(amqpConn)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	defer publisher.Close()

	transactionRepo := postgres.NewTransactionRepository(db)
	rateRepo := postgres.NewRateRepository(db)
	profileRepo := postgres.NewProfileRepository(db)
	secretStore := redisadapter.NewSecretStore(redisClient)

	ledgerClient := ledger.NewClient(ledger.Config{
		URL:         cfg.LedgerWSURL,
		APIToken:    cfg.LedgerAPIToken,
		CallTimeout: cfg.LedgerCallTimeout,
	})
	if err := ledgerClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer ledgerClient.Close()
	ledgerGateway := ledger.NewGateway(ledgerClient)

	mpesaClient := mpesa.NewClient(mpesa.Config{
		BaseURL:            cfg.MpesaBaseURL,
		ConsumerKey:        cfg.MpesaConsumerKey,
		ConsumerSecret:     cfg.MpesaConsumerSecret,
		ShortCode:          cfg.MpesaShortCode,
		Passkey:            cfg.MpesaPasskey,
		CallbackURL:        cfg.MpesaCallbackURL,
		InitiatorName:      cfg.MpesaInitiatorName,
		SecurityCredential: cfg.MpesaSecurityCred,
	})

	sagaCfg := saga.Config{
		MaxAttempts:      cfg.StepMaxAttempts,
		BackoffBase:      cfg.StepBackoffBase,
		PayoutMaxRetries: cfg.PayoutMaxRetries,
		LedgerAccountID:  cfg.LedgerAccountID,
	}

	consumer, err := rabbitmq.NewConsumer(amqpConn)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	bindings := map[string]rabbitmq.Handler{
		domain.TopicDepositChargeRequested:      saga.NewDepositChargeWorker(sagaCfg, transactionRepo, publisher, mpesaClient).Handle,
		domain.TopicDepositConfirmationReceived: saga.NewDepositConfirmationWorker(transactionRepo, publisher).Handle,
		domain.TopicDepositConfirmed:            saga.NewDepositCreditWorker(sagaCfg, transactionRepo, publisher, ledgerGateway).Handle,
		domain.TopicWithdrawalRequested:         saga.NewWithdrawalDebitWorker(sagaCfg, transactionRepo, publisher, secretStore, ledgerGateway).Handle,
		domain.TopicWithdrawalLedgerDebited:     saga.NewWithdrawalPayoutWorker(sagaCfg, transactionRepo, publisher, mpesaClient).Handle,
	}
	for topic, handler := range bindings {
		if err := consumer.Bind(topic, handler); err != nil {
			return fmt.Errorf("bind %s: %w", topic, err)
		}
	}

	rateService := services.NewRateService(rateRepo)
	initiationService := services.NewInitiationService(
		transactionRepo,
		rateService,
		secretStore,
		publisher,
		services.Limits{
			DepositMinKESCents:    cfg.DepositMinKESCents,
			DepositMaxKESCents:    cfg.DepositMaxKESCents,
			WithdrawalMinUSDCents: cfg.WithdrawalMinUSDCents,
			WithdrawalMaxUSDCents: cfg.WithdrawalMaxUSDCents,
		},
		cfg.RateLockTTL,
		cfg.VerificationTTL,
	)

	mux := router.New(
		controller.NewPaymentController(initiationService, profileRepo),
		controller.NewCallbackController(transactionRepo, publisher),
		middleware.BasicAuth(cfg.CallbackChannelID, cfg.CallbackChannelKey),
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("consumer started", logger.Fields{"exchange": rabbitmq.ExchangeName})
		return consumer.Run(groupCtx)
	})

	group.Go(func() error {
		logger.Info("http server started", logger.Fields{"port": cfg.Port})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped", nil)
	return nil
}
