package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Queue tuning.
	LeaseDuration    time.Duration `env:"LEASE_DURATION" envDefault:"5m"`
	DispatchInterval time.Duration `env:"DISPATCH_INTERVAL" envDefault:"1s"`
	PromoteInterval  time.Duration `env:"PROMOTE_INTERVAL" envDefault:"30s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" envDefault:"30s"`
	Concurrency      int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"3"`

	// Failed deliveries go back through the delayed scheduler with
	// exponential backoff when enabled; immediately back into their lane
	// when disabled.
	RetryBackoff        bool          `env:"RETRY_BACKOFF" envDefault:"true"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"30s"`

	// Channel senders.
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`

	SMSProviderURL string `env:"SMS_PROVIDER_URL"`
	SMSAPIKey      string `env:"SMS_API_KEY"`
	SMSFrom        string `env:"SMS_FROM"`

	PushGatewayURL string `env:"PUSH_GATEWAY_URL"`
	PushAPIKey     string `env:"PUSH_API_KEY"`

	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
