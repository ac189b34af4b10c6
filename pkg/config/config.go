package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Broker       BrokerConfig
	RabbitMQ     RabbitMQConfig
	GCP          GCPConfig
	Queues       QueueConfig
	Outbox       OutboxConfig
	Consumer     ConsumerConfig
	Ops          OpsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Broker.validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PAYBRIDGE_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"PAYBRIDGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PAYBRIDGE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PAYBRIDGE_SERVICE_KIND"`
}

type DBConfig struct {
	DSN    string `envconfig:"PAYBRIDGE_DB_DSN"`
	Driver string `envconfig:"PAYBRIDGE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PAYBRIDGE_DB_HOST"`
	LegacyPort     int    `envconfig:"PAYBRIDGE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PAYBRIDGE_DB_USER"`
	LegacyPassword string `envconfig:"PAYBRIDGE_DB_PASSWORD"`
	LegacyName     string `envconfig:"PAYBRIDGE_DB_NAME"`
	LegacySSLMode  string `envconfig:"PAYBRIDGE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PAYBRIDGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PAYBRIDGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PAYBRIDGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PAYBRIDGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the embedded driver was selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

// RedisConfig is optional; an empty URL and address disables the inbox cache.
type RedisConfig struct {
	URL          string        `envconfig:"PAYBRIDGE_REDIS_URL"`
	Address      string        `envconfig:"PAYBRIDGE_REDIS_ADDR"`
	Password     string        `envconfig:"PAYBRIDGE_REDIS_PASSWORD"`
	DB           int           `envconfig:"PAYBRIDGE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PAYBRIDGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PAYBRIDGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PAYBRIDGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PAYBRIDGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PAYBRIDGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a Redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PAYBRIDGE_AUTO_MIGRATE" default:"false"`
}

type BrokerConfig struct {
	Kind              string        `envconfig:"PAYBRIDGE_BROKER_KIND" default:"rabbitmq"`
	ConnectRetryBase  time.Duration `envconfig:"PAYBRIDGE_BROKER_RETRY_BASE" default:"1s"`
	ConnectRetryCap   time.Duration `envconfig:"PAYBRIDGE_BROKER_RETRY_CAP" default:"30s"`
	ConnectMaxAttempt int           `envconfig:"PAYBRIDGE_BROKER_RETRY_MAX_ATTEMPTS" default:"0"`
	DeadLetter        bool          `envconfig:"PAYBRIDGE_BROKER_DEAD_LETTER" default:"true"`
}

func (b BrokerConfig) validate(cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(b.Kind)) {
	case BrokerKindRabbitMQ:
		if cfg.RabbitMQ.URL == "" && cfg.RabbitMQ.Host == "" {
			return fmt.Errorf("either %s or %s is required", EnvRabbitMQURL, EnvRabbitMQHost)
		}
	case BrokerKindPubSub:
		if strings.TrimSpace(cfg.GCP.ProjectID) == "" {
			return fmt.Errorf("%s is required for the pubsub broker", EnvGCPProjectID)
		}
	default:
		return fmt.Errorf("unsupported broker kind %q", b.Kind)
	}
	if b.ConnectRetryBase <= 0 || b.ConnectRetryCap < b.ConnectRetryBase {
		return fmt.Errorf("broker retry base must be positive and not exceed the cap")
	}
	return nil
}

type RabbitMQConfig struct {
	URL      string `envconfig:"PAYBRIDGE_RABBITMQ_URL"`
	Host     string `envconfig:"PAYBRIDGE_RABBITMQ_HOST"`
	Port     int    `envconfig:"PAYBRIDGE_RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"PAYBRIDGE_RABBITMQ_USER" default:"guest"`
	Password string `envconfig:"PAYBRIDGE_RABBITMQ_PASSWORD" default:"guest"`
	VHost    string `envconfig:"PAYBRIDGE_RABBITMQ_VHOST" default:"/"`
	Prefetch int    `envconfig:"PAYBRIDGE_RABBITMQ_PREFETCH" default:"10"`
}

// ConnectionURL returns the configured URL or one assembled from the host fields.
func (r RabbitMQConfig) ConnectionURL() string {
	if r.URL != "" {
		return r.URL
	}
	u := &url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Password),
		Host:   fmt.Sprintf("%s:%d", r.Host, r.Port),
	}
	vhost := strings.TrimPrefix(r.VHost, "/")
	if vhost != "" {
		u.Path = "/" + vhost
	}
	return u.String()
}

type GCPConfig struct {
	ProjectID       string `envconfig:"PAYBRIDGE_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"PAYBRIDGE_GCP_CREDENTIALS_JSON"`
}

type QueueConfig struct {
	OrderCreated     string `envconfig:"PAYBRIDGE_QUEUE_ORDER_CREATED" default:"order_created"`
	PaymentCompleted string `envconfig:"PAYBRIDGE_QUEUE_PAYMENT_COMPLETED" default:"payment_completed"`
}

// All returns every queue name the two services exchange.
func (q QueueConfig) All() []string {
	return []string{q.OrderCreated, q.PaymentCompleted}
}

type OutboxConfig struct {
	BatchSize    int           `envconfig:"PAYBRIDGE_OUTBOX_BATCH_SIZE" default:"20"`
	PollInterval time.Duration `envconfig:"PAYBRIDGE_OUTBOX_POLL_INTERVAL" default:"5s"`
	StartDelay   time.Duration `envconfig:"PAYBRIDGE_OUTBOX_START_DELAY" default:"0s"`
}

type ConsumerConfig struct {
	InboxCacheTTL time.Duration `envconfig:"PAYBRIDGE_CONSUMER_INBOX_CACHE_TTL" default:"24h"`
}

type OpsConfig struct {
	Addr string `envconfig:"PAYBRIDGE_OPS_ADDR" default:":8080"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
