package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDSN          string
	MongoURI       string
	RedisAddr      string
	RabbitURL      string
	SqalaAPIURL    string
	SqalaAPIKey    string
	OTLPEndpoint   string
	PollInterval   time.Duration
	IdempotencyTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	pollInterval, _ := time.ParseDuration(os.Getenv("PAYMENT_POLL_INTERVAL"))
	if pollInterval == 0 {
		pollInterval = time.Minute
	}
	idempTTL, _ := time.ParseDuration(os.Getenv("IDEMPOTENCY_TTL"))
	if idempTTL == 0 {
		idempTTL = time.Hour
	}

	return &Config{
		DBDSN:          os.Getenv("DB_DSN"),
		MongoURI:       os.Getenv("MONGO_URI"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RabbitURL:      os.Getenv("RABBIT_URL"),
		SqalaAPIURL:    os.Getenv("SQALA_API_URL"),
		SqalaAPIKey:    os.Getenv("SQALA_API_KEY"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PollInterval:   pollInterval,
		IdempotencyTTL: idempTTL,
	}, nil
}
