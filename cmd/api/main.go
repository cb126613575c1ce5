package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/crdb"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/mongo"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/redis"
	"github.com/robertarktes/ticket-resale-settlement/internal/allocator"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/catalog"
	"github.com/robertarktes/ticket-resale-settlement/internal/config"
	httphandler "github.com/robertarktes/ticket-resale-settlement/internal/http"
	"github.com/robertarktes/ticket-resale-settlement/internal/idempotency"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payment"
	"github.com/robertarktes/ticket-resale-settlement/internal/payout"
	"github.com/robertarktes/ticket-resale-settlement/internal/purchase"
	"github.com/robertarktes/ticket-resale-settlement/internal/rateLimit"
	"github.com/robertarktes/ticket-resale-settlement/internal/resale"
	"github.com/robertarktes/ticket-resale-settlement/internal/settlement"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
	"github.com/robertarktes/ticket-resale-settlement/internal/tickets"
	"github.com/robertarktes/ticket-resale-settlement/internal/withdrawal"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		local    bool
		migrate  bool
		tokenSeq string
	)
	flags := pflag.NewFlagSet("api", pflag.ExitOnError)
	flags.BoolVar(&local, "local", false, "run against the in-memory store with an instant payment gateway")
	flags.BoolVar(&migrate, "migrate", true, "apply the CockroachDB schema on start")
	flags.StringVar(&tokenSeq, "token-sequence", "crdb", "token id source: crdb or redis")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg, "trs-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger("trs-api", cfg.LogLevel)

	var (
		st      store.Store
		seq     store.Sequence
		gateway payment.Gateway
		sink    audit.Sink
		rl      *rateLimit.RateLimiter
		idemp   *idempotency.Idempotency
		ready   = map[string]httphandler.ReadinessCheck{}
	)

	if local {
		mem := memory.New()
		st, seq, gateway = mem, mem, payment.Instant{}
		logger.Warn("running with in-memory store; state is lost on exit")
	} else {
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			log.Fatalf("failed to connect to crdb: %v", err)
		}
		defer pool.Close()
		repo := crdb.NewRepository(pool, cfg.Platform.MaxAttempts)
		if migrate {
			if err := repo.Migrate(ctx); err != nil {
				log.Fatalf("failed to migrate: %v", err)
			}
		}
		st = repo
		ready["crdb"] = repo.Ping

		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		auditLog := mongoadapter.NewAuditLog(mongoClient.Database(cfg.MongoDB), logger)
		if err := auditLog.EnsureIndexes(ctx); err != nil {
			log.Fatalf("failed to create audit indexes: %v", err)
		}
		sink = auditLog
		ready["mongo"] = func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }

		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		rl = rateLimit.NewRateLimiter(redisadapter.NewCache(redisClient), cfg.RateLimit, time.Minute, logger)
		idemp = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempTTL)
		ready["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }

		switch tokenSeq {
		case "redis":
			seq = redisadapter.NewSequence(redisClient, "trs:token_id")
		default:
			seq = repo.TokenSequence()
		}

		rabbitConn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer rabbitConn.Close()
		rabbitPub, err := rabbit.NewPublisher(rabbitConn)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		gateway = payment.NewHostedCheckout(rabbitPub, logger)
	}

	settings := cfg.Platform
	emitter := audit.NewEmitter(sink, logger)
	inv := inventory.NewService(st, settings.ReservationTTL, emitter, logger)
	withdrawals := withdrawal.NewService(st, settings.WithdrawalMinimum, emitter, logger)
	handlers := httphandler.NewHandlers(httphandler.Services{
		Catalog:     catalog.NewService(st, allocator.New(seq, logger), settings.RequireApproval, emitter, logger),
		Purchases:   purchase.NewService(st, inv, gateway, emitter, settings, logger),
		Resale:      resale.NewService(st, gateway, emitter, settings, logger),
		Tickets:     tickets.NewService(st, emitter, logger),
		Ledger:      settlement.NewLedger(st),
		Withdrawals: withdrawals,
	}, ready, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httphandler.SetupRouter(handlers, logger, rl, idemp),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if local {
		// No worker processes run beside the in-memory store.
		g.Go(func() error {
			withdrawal.NewWorker(withdrawals, st, payout.Sandbox{}, settings.MaxAttempts, logger).Run(gctx, 5*time.Second, 20)
			return nil
		})
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-ticker.C:
					if _, err := inv.ExpireStale(gctx, now.UTC(), 100); err != nil {
						logger.WithError(err).Warn("expire reservations")
					}
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("api: %v", err)
	}
	logger.Info("Server exiting")
}
