package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/crdb"
	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-resale-settlement/internal/config"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/outbox"
	"github.com/spf13/pflag"
)

func main() {
	var (
		interval time.Duration
		batch    int
	)
	flags := pflag.NewFlagSet("outbox-publisher", pflag.ExitOnError)
	flags.DurationVar(&interval, "interval", time.Second, "time between outbox polls")
	flags.IntVar(&batch, "batch", 100, "messages published per poll")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "trs-outbox-publisher")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger("trs-outbox-publisher", cfg.LogLevel)

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool, cfg.Platform.MaxAttempts)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}

	logger.WithField("interval", interval).Info("Outbox publisher started")
	outbox.NewPublisher(repo, rabbitPub, batch, logger).Run(ctx, interval)
	logger.Info("Shutdown outbox publisher")
}
