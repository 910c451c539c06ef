package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
	Payment      PaymentConfig
	Toss         TossConfig
	Payout       PayoutConfig
	TossPayout   TossPayoutConfig
	Queue        QueueConfig
	Reconcile    ReconcileConfig
	Cron         CronConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Outbox       OutboxConfig
	Eventing     EventingConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	// platform routers inject PORT and it wins over the configured port
	if port := os.Getenv("PORT"); port != "" {
		cfg.App.Port = port
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Payment.validate(); err != nil {
		return nil, err
	}
	if cfg.App.IsProd() {
		if cfg.FeatureFlags.UseSQLite {
			return nil, fmt.Errorf("MATE_USE_SQLITE is not allowed in prod")
		}
		if len(cfg.JWT.Secret) < minProdJWTSecretLen {
			return nil, fmt.Errorf("%s must be at least %d bytes in prod", EnvJWTSecret, minProdJWTSecretLen)
		}
	}
	return &cfg, nil
}

const minProdJWTSecretLen = 32

type AppConfig struct {
	Env          string `envconfig:"MATE_APP_ENV" required:"true"`
	Port         string `envconfig:"MATE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"MATE_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"MATE_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"MATE_LOG_WARN_STACK" default:"false"`

	CORSAllowedOrigins []string `envconfig:"MATE_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MATE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MATE_DB_DSN"`
	Driver string `envconfig:"MATE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MATE_DB_HOST"`
	LegacyPort     int    `envconfig:"MATE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MATE_DB_USER"`
	LegacyPassword string `envconfig:"MATE_DB_PASSWORD"`
	LegacyName     string `envconfig:"MATE_DB_NAME"`
	LegacySSLMode  string `envconfig:"MATE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MATE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MATE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MATE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MATE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MATE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MATE_REDIS_ADDR"`
	Password     string        `envconfig:"MATE_REDIS_PASSWORD"`
	DB           int           `envconfig:"MATE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MATE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MATE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MATE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MATE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MATE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"MATE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"MATE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"MATE_JWT_EXPIRATION_MINUTES" default:"60"`
}

// RateLimitConfig throttles the money-moving payment endpoints per caller.
type RateLimitConfig struct {
	PaymentWindow time.Duration `envconfig:"MATE_RATE_LIMIT_PAYMENT_WINDOW" default:"1m"`
	PaymentLimit  int           `envconfig:"MATE_RATE_LIMIT_PAYMENT_LIMIT" default:"20"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"MATE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"MATE_AUTO_MIGRATE" default:"false"`
}

// PaymentConfig carries the intent and refund policy knobs.
type PaymentConfig struct {
	Mode                      string        `envconfig:"MATE_PAYMENT_MODE" default:"DIRECT_TRADE"`
	IntentTTL                 time.Duration `envconfig:"MATE_PAYMENT_INTENT_TTL" default:"30m"`
	DepositAmount             int64         `envconfig:"MATE_PAYMENT_DEPOSIT_AMOUNT" default:"10000"`
	FeeRate                   string        `envconfig:"MATE_PAYMENT_FEE_RATE" default:"0.10"`
	RequireSocialVerification bool          `envconfig:"MATE_PAYMENT_REQUIRE_SOCIAL_VERIFICATION" default:"true"`
	PendingApplicationCap     int64         `envconfig:"MATE_PAYMENT_PENDING_APPLICATION_CAP" default:"10"`
	CancelPolicyVersion       string        `envconfig:"MATE_PAYMENT_CANCEL_POLICY_VERSION" default:"v1"`
}

func (p PaymentConfig) validate() error {
	if p.IntentTTL <= 0 {
		return fmt.Errorf("%s must be positive", EnvPaymentIntentTTL)
	}
	if p.DepositAmount < 0 {
		return fmt.Errorf("%s must not be negative", EnvPaymentDepositAmount)
	}
	return nil
}

// TossConfig configures the card payment gateway client.
type TossConfig struct {
	SecretKey string        `envconfig:"MATE_TOSS_SECRET_KEY"`
	BaseURL   string        `envconfig:"MATE_TOSS_BASE_URL" default:"https://api.tosspayments.com"`
	Timeout   time.Duration `envconfig:"MATE_TOSS_TIMEOUT" default:"10s"`
}

type PayoutConfig struct {
	Enabled  bool   `envconfig:"MATE_PAYOUT_ENABLED" default:"false"`
	Provider string `envconfig:"MATE_PAYOUT_PROVIDER" default:"SIM"`
}

// TossPayoutConfig configures the seller payout API.
type TossPayoutConfig struct {
	SecretKey          string        `envconfig:"MATE_TOSS_PAYOUT_SECRET_KEY"`
	BaseURL            string        `envconfig:"MATE_TOSS_PAYOUT_BASE_URL" default:"https://api.tosspayments.com"`
	RequestPath        string        `envconfig:"MATE_TOSS_PAYOUT_REQUEST_PATH" default:"/v2/payouts"`
	StatusPath         string        `envconfig:"MATE_TOSS_PAYOUT_STATUS_PATH" default:"/v2/payouts/{payoutId}"`
	SellerRegisterPath string        `envconfig:"MATE_TOSS_PAYOUT_SELLER_REGISTER_PATH" default:"/v2/payouts/sellers"`
	SecurityMode       string        `envconfig:"MATE_TOSS_PAYOUT_SECURITY_MODE" default:"ENCRYPTION"`
	PublicKeyPEM       string        `envconfig:"MATE_TOSS_PAYOUT_PUBLIC_KEY"`
	PublicKeyPath      string        `envconfig:"MATE_TOSS_PAYOUT_PUBLIC_KEY_PATH"`
	Timeout            time.Duration `envconfig:"MATE_TOSS_PAYOUT_TIMEOUT" default:"10s"`
}

type QueueConfig struct {
	Name        string `envconfig:"MATE_QUEUE_NAME" default:"payments"`
	Concurrency int    `envconfig:"MATE_QUEUE_CONCURRENCY" default:"5"`
}

type ReconcileConfig struct {
	Interval  time.Duration `envconfig:"MATE_RECONCILE_INTERVAL" default:"15m"`
	Staleness time.Duration `envconfig:"MATE_RECONCILE_STALENESS" default:"60s"`
	BatchSize int           `envconfig:"MATE_RECONCILE_BATCH_SIZE" default:"200"`
}

// CronConfig holds robfig/cron schedules for the cron-worker jobs. The
// reconcile sweep runs every Reconcile.Interval.
type CronConfig struct {
	ExpirySchedule      string        `envconfig:"MATE_CRON_INTENT_EXPIRY_SCHEDULE" default:"@every 1m"`
	PayoutRetrySchedule string        `envconfig:"MATE_CRON_PAYOUT_RETRY_SCHEDULE" default:"@every 5m"`
	RetentionSchedule   string        `envconfig:"MATE_CRON_OUTBOX_RETENTION_SCHEDULE" default:"30 3 * * *"`
	OutboxRetention     time.Duration `envconfig:"MATE_CRON_OUTBOX_RETENTION" default:"720h"`
	LockTTL             time.Duration `envconfig:"MATE_CRON_LOCK_TTL" default:"10m"`
	Timezone            string        `envconfig:"MATE_CRON_TIMEZONE" default:"Asia/Seoul"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"MATE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"MATE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"MATE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	PaymentsTopic         string `envconfig:"MATE_PUBSUB_PAYMENTS_TOPIC" default:"mate-payment-events"`
	AnalyticsSubscription string `envconfig:"MATE_PUBSUB_ANALYTICS_SUBSCRIPTION" default:"mate-payment-events-analytics"`
}

type BigQueryConfig struct {
	Dataset            string `envconfig:"MATE_BIGQUERY_DATASET" default:"mate"`
	PaymentEventsTable string `envconfig:"MATE_BIGQUERY_PAYMENT_EVENTS_TABLE" default:"payment_events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"MATE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"MATE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"MATE_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type EventingConfig struct {
	IdempotencyTTL time.Duration `envconfig:"MATE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
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
