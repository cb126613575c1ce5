package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/mongo"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/config"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payout"
	"github.com/robertarktes/ticket-resale-settlement/internal/withdrawal"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		interval time.Duration
		batch    int
		queue    string
	)
	flags := pflag.NewFlagSet("payout-worker", pflag.ExitOnError)
	flags.DurationVar(&interval, "interval", 5*time.Second, "time between pending withdrawal sweeps")
	flags.IntVar(&batch, "batch", 20, "withdrawals claimed per sweep")
	flags.StringVar(&queue, "results-queue", "payout.results", "queue receiving rail results")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "trs-payout-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger("trs-payout-worker", cfg.LogLevel)

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool, cfg.Platform.MaxAttempts)

	var sink audit.Sink
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		sink = mongoadapter.NewAuditLog(mongoClient.Database(cfg.MongoDB), logger)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	results, err := rabbit.NewConsumer(conn, queue, []string{"payout.result.*"}, logger)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}

	svc := withdrawal.NewService(repo, cfg.Platform.WithdrawalMinimum, audit.NewEmitter(sink, logger), logger)
	worker := withdrawal.NewWorker(svc, repo, payout.NewQueueRail(rabbitPub, logger), cfg.Platform.MaxAttempts, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx, interval, batch)
		return nil
	})
	g.Go(func() error {
		return results.Run(gctx, func(ctx context.Context, d amqp.Delivery) error {
			r, err := payout.DecodeResult(d.Body)
			if err != nil {
				// Redelivering a malformed result cannot help.
				logger.WithError(err).WithField("message_id", d.MessageId).Warn("dropping payout result")
				return nil
			}
			err = svc.HandleResult(ctx, r)
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
				logger.WithError(err).WithField("withdrawal_id", r.WithdrawalID).Warn("payout result does not apply")
				return nil
			}
			return err
		})
	})

	logger.Info("payout worker started")
	if err := g.Wait(); err != nil {
		log.Fatalf("payout worker: %v", err)
	}
	logger.Info("Shutdown payout worker")
}
