package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string `env:"BREVQ_LOG_LEVEL" envDefault:"info"`

	Hostname string `env:"BREVQ_HOSTNAME"` // used in the api auto tls certificate and as HELO name for smtp

	DbDriver string `env:"BREVQ_DB_DRIVER" envDefault:"sqlite3"` // sqlite3 or postgres
	DbURI    string `env:"BREVQ_DB_URI" envDefault:"./brevq.sqlite"`

	RedisAddr     string `env:"BREVQ_REDIS_ADDR"` // empty keeps the hourly counters in process memory
	RedisPassword string `env:"BREVQ_REDIS_PASSWORD"`
	RedisDB       int    `env:"BREVQ_REDIS_DB" envDefault:"0"`

	MaxEmailsPerHour int           `env:"BREVQ_MAX_EMAILS_PER_HOUR" envDefault:"200"`
	EmailDelay       time.Duration `env:"BREVQ_EMAIL_DELAY" envDefault:"2s"` // pacing after every successful send, per worker
	Workers          int           `env:"BREVQ_WORKERS" envDefault:"5"`
	PollInterval     time.Duration `env:"BREVQ_POLL_INTERVAL" envDefault:"1s"`
	LeaseTimeout     time.Duration `env:"BREVQ_LEASE_TIMEOUT" envDefault:"5m"`

	SMTPHost     string `env:"BREVQ_SMTP_HOST"` // empty logs emails instead of sending them
	SMTPPort     int    `env:"BREVQ_SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"BREVQ_SMTP_USER"`
	SMTPPassword string `env:"BREVQ_SMTP_PASSWORD"`
	SMTPFrom     string `env:"BREVQ_SMTP_FROM"` // From header of relayed emails, defaults to BREVQ_SMTP_USER

	APIPort         int    `env:"BREVQ_API_PORT" envDefault:"8080"`
	APIAutoTLS      bool   `env:"BREVQ_API_AUTO_TLS" envDefault:"false"` // use echo AutoTLSManager for getting a certificate for BREVQ_HOSTNAME
	APIAutoTLSEmail string `env:"BREVQ_API_AUTO_TLS_EMAIL"`              // account email for Let's Encrypt

	APIKeys []string `env:"BREVQ_API_KEYS" envSeparator:","` // user=key pairs

	MetricsPushURL      string        `env:"BREVQ_METRICS_PUSH_URL"`
	MetricsPushInterval time.Duration `env:"BREVQ_METRICS_PUSH_INTERVAL" envDefault:"1m"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		var err error
		cfg, err = Parse()
		if err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}

// Parse reads a .env file in the working directory, if there is one, and then the environment.
// Variables already set in the environment win over the file.
func Parse() (Config, error) {
	_ = godotenv.Load()

	c := Config{}
	err := env.Parse(&c)
	return c, err
}
