package config

const (
	EnvPrefix = "MATE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv    = "MATE_APP_ENV"
	EnvPort      = "MATE_APP_PORT"
	EnvDBDSN     = "MATE_DB_DSN"
	EnvDBHost    = "MATE_DB_HOST"
	EnvDBUser    = "MATE_DB_USER"
	EnvDBName    = "MATE_DB_NAME"
	EnvRedisURL  = "MATE_REDIS_URL"
	EnvJWTSecret = "MATE_JWT_SECRET"
	EnvJWTIssuer = "MATE_JWT_ISSUER"

	EnvPaymentMode          = "MATE_PAYMENT_MODE"
	EnvPaymentIntentTTL     = "MATE_PAYMENT_INTENT_TTL"
	EnvPaymentDepositAmount = "MATE_PAYMENT_DEPOSIT_AMOUNT"
	EnvPayoutEnabled        = "MATE_PAYOUT_ENABLED"
	EnvPayoutProvider       = "MATE_PAYOUT_PROVIDER"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
