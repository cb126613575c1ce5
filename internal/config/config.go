package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

type Config struct {
	HTTPAddr     string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	// TraceSampleRatio applies to root spans; children follow their parent.
	TraceSampleRatio float64
	LogLevel         string
	IdempTTL         time.Duration
	RateLimit        int
	SettingsFile     string
	Platform         domain.PlatformSettings
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	idempTTL, _ := time.ParseDuration(os.Getenv("IDEMPOTENCY_TTL"))
	if idempTTL == 0 {
		idempTTL = 24 * time.Hour
	}
	rateLimit, _ := strconv.Atoi(os.Getenv("RATE_LIMIT_PER_MINUTE"))
	if rateLimit == 0 {
		rateLimit = 60
	}
	sampleRatio, err := strconv.ParseFloat(envOr("OTEL_TRACES_SAMPLER_ARG", "1"), 64)
	if err != nil || sampleRatio < 0 || sampleRatio > 1 {
		return nil, errors.Newf("OTEL_TRACES_SAMPLER_ARG must be a ratio in [0, 1], got %q", os.Getenv("OTEL_TRACES_SAMPLER_ARG"))
	}

	cfg := &Config{
		HTTPAddr:         envOr("HTTP_ADDR", ":8080"),
		CRDBDSN:          os.Getenv("CRDB_DSN"),
		MongoURI:         os.Getenv("MONGO_URI"),
		MongoDB:          envOr("MONGO_DB", "trs"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RabbitURL:        os.Getenv("RABBIT_URL"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio: sampleRatio,
		LogLevel:         envOr("LOG_LEVEL", "info"),
		IdempTTL:         idempTTL,
		RateLimit:        rateLimit,
		SettingsFile:     os.Getenv("SETTINGS_FILE"),
		Platform:         domain.DefaultPlatformSettings(),
	}

	if cfg.SettingsFile != "" {
		settings, err := LoadSettingsFile(cfg.SettingsFile)
		if err != nil {
			return nil, err
		}
		cfg.Platform, err = cfg.Platform.Apply(settings)
		if err != nil {
			return nil, errors.Wrapf(err, "settings file %s", cfg.SettingsFile)
		}
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
