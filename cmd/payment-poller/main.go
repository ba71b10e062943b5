package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/ticketeria/ticketeria/internal/adapters/crdb"
	mongoadapter "github.com/ticketeria/ticketeria/internal/adapters/mongo"
	"github.com/ticketeria/ticketeria/internal/adapters/sqala"
	"github.com/ticketeria/ticketeria/internal/config"
	"github.com/ticketeria/ticketeria/internal/domain"
	"github.com/ticketeria/ticketeria/internal/observability"
	"github.com/ticketeria/ticketeria/internal/settlement"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := crdb.NewPool(context.Background(), cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	audit := mongoadapter.NewAuditLogger(mongoClient.Database("ticketeria"), logger)

	provider := sqala.NewClient(cfg.SqalaAPIURL, cfg.SqalaAPIKey, logger)
	engine := settlement.NewEngine(repo, provider, audit, logger)

	worker := NewPollWorker(repo, engine, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.PollInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown payment poller")
}

// PollWorker drives settlement for asynchronous payment methods: every tick
// it asks the provider about PENDING orders that already hold a payment id
// and settles the confirmed ones.
type PollWorker struct {
	repo   *crdb.Repository
	engine *settlement.Engine
	logger observability.Logger
}

func NewPollWorker(repo *crdb.Repository, engine *settlement.Engine, logger observability.Logger) *PollWorker {
	return &PollWorker{repo: repo, engine: engine, logger: logger}
}

func (w *PollWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := w.repo.PendingPayments(ctx, 100)
			if err != nil {
				w.logger.WithError(err).Error("failed to list pending payments")
				continue
			}
			for _, id := range ids {
				if err := w.checkWithRetry(ctx, id); err != nil {
					w.logger.WithError(err).WithField("order_id", id.String()).Error("failed to check payment after retries")
				}
			}
		}
	}
}

func (w *PollWorker) checkWithRetry(ctx context.Context, orderID uuid.UUID) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := w.engine.CheckPayment(ctx, orderID)
		if err == nil {
			return nil
		}
		// Consistency violations need an operator, not a retry.
		if errors.Is(err, domain.ErrConsistencyViolation) {
			return err
		}
		backoff := time.Duration(1<<i) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed after %d retries", maxRetries)
}
