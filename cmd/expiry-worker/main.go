package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/redis"
	"github.com/robertarktes/ticket-resale-settlement/internal/audit"
	"github.com/robertarktes/ticket-resale-settlement/internal/config"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const sweepLock = "expiry-sweep"

func main() {
	var (
		interval time.Duration
		batch    int
	)
	flags := pflag.NewFlagSet("expiry-worker", pflag.ExitOnError)
	flags.DurationVar(&interval, "interval", 30*time.Second, "time between sweeps")
	flags.IntVar(&batch, "batch", 100, "reservations expired per sweep")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "trs-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger("trs-expiry-worker", cfg.LogLevel)

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

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	worker := &ExpiryWorker{
		inv:    inventory.NewService(repo, cfg.Platform.ReservationTTL, audit.NewEmitter(sink, logger), logger),
		lock:   redisadapter.NewCache(redisClient),
		owner:  uuid.NewString(),
		logger: logger,
	}
	logger.WithField("interval", interval).Info("expiry worker started")
	worker.Run(ctx, interval, batch)
	logger.Info("Shutdown expiry worker")
}

// ExpiryWorker sweeps reservations past their TTL. The redis lock keeps
// replicas from sweeping the same batch; the store CAS makes a double sweep
// harmless anyway.
type ExpiryWorker struct {
	inv    *inventory.Service
	lock   *redisadapter.Cache
	owner  string
	logger observability.Logger
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.sweep(ctx, now.UTC(), interval, batch)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context, now time.Time, interval time.Duration, batch int) {
	ok, err := w.lock.Lock(ctx, sweepLock, w.owner, interval)
	if err != nil {
		w.logger.WithError(err).Warn("sweep lock unavailable, sweeping anyway")
	} else if !ok {
		return
	} else {
		defer func() { _ = w.lock.Unlock(context.WithoutCancel(ctx), sweepLock, w.owner) }()
	}

	n, err := w.inv.ExpireStale(ctx, now, batch)
	if err != nil {
		w.logger.WithError(err).Error("failed to expire reservations")
		return
	}
	if n > 0 {
		w.logger.WithField("expired", n).Info("expired reservations")
	}
}
