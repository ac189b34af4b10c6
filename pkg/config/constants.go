package config

// EnvPrefix is handed to envconfig; every field carries its full variable name explicitly.
const EnvPrefix = "PAYBRIDGE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	BrokerKindRabbitMQ = "rabbitmq"
	BrokerKindPubSub   = "pubsub"

	ServiceKindOrders   = "orders"
	ServiceKindPayments = "payments"
)

const (
	EnvAppEnv       = "PAYBRIDGE_APP_ENV"
	EnvDBDSN        = "PAYBRIDGE_DB_DSN"
	EnvDBDriver     = "PAYBRIDGE_DB_DRIVER"
	EnvDBHost       = "PAYBRIDGE_DB_HOST"
	EnvDBUser       = "PAYBRIDGE_DB_USER"
	EnvDBName       = "PAYBRIDGE_DB_NAME"
	EnvDBPassword   = "PAYBRIDGE_DB_PASSWORD"
	EnvBrokerKind   = "PAYBRIDGE_BROKER_KIND"
	EnvRabbitMQURL  = "PAYBRIDGE_RABBITMQ_URL"
	EnvRabbitMQHost = "PAYBRIDGE_RABBITMQ_HOST"
	EnvGCPProjectID = "PAYBRIDGE_GCP_PROJECT_ID"
	EnvRedisURL     = "PAYBRIDGE_REDIS_URL"
	EnvOutboxBatch  = "PAYBRIDGE_OUTBOX_BATCH_SIZE"
	EnvOutboxPoll   = "PAYBRIDGE_OUTBOX_POLL_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
