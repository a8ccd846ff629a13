package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string
	LogLevel    string
	LedgerEnv   string

	AdminAPIKey string

	SigningPrivateKeySeedHex string

	VaultAddr       string
	VaultToken      string
	VaultPathPrefix string

	DeadLetterPath string

	AnchorPeriod          time.Duration
	AnchorSchedule        string
	AnchorLookback        int
	AnchorGrace           time.Duration
	AnchorPublishEnabled  bool
	AnchorConfirmEnabled  bool
	AnchorChainRPCURL     string
	AnchorChainID         string
	AnchorContractAddress string
	AnchorFromAddress     string
	AnchorRequestTimeout  time.Duration

	KeyApprovalTimeout time.Duration
	KeyExecutionWindow time.Duration
	BreakGlassWindow   time.Duration
	SweepSchedule      string

	RateLimitRequests       int
	RateLimitAppendRequests int
	RateLimitAdminRequests  int
	RateLimitWindowSeconds  int
	RateLimitFailClosed     bool
	RateLimitMaxKeys        int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JobLockTTL    time.Duration
}

func FromEnv() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LEDGER_ENV", "production")
	v.SetDefault("DEAD_LETTER_PATH", "var/ledger/dead_letter.jsonl")
	v.SetDefault("ANCHOR_PERIOD", "1h")
	v.SetDefault("ANCHOR_SCHEDULE", "@every 5m")
	v.SetDefault("ANCHOR_LOOKBACK", 24)
	v.SetDefault("ANCHOR_GRACE", "30s")
	v.SetDefault("ANCHOR_PUBLISH_ENABLED", false)
	v.SetDefault("ANCHOR_CONFIRM_ENABLED", false)
	v.SetDefault("ANCHOR_REQUEST_TIMEOUT", "10s")
	v.SetDefault("KEY_APPROVAL_TIMEOUT", "24h")
	v.SetDefault("KEY_EXECUTION_WINDOW", "1h")
	v.SetDefault("BREAK_GLASS_WINDOW", "4h")
	v.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	v.SetDefault("RATE_LIMIT_REQUESTS", 0)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("RATE_LIMIT_FAIL_CLOSED", false)
	v.SetDefault("RATE_LIMIT_MAX_KEYS", 10000)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JOB_LOCK_TTL", "4m")
	v.SetDefault("VAULT_PATH_PREFIX", "secret/data/evidence-ledger")
}

func fromViper(v *viper.Viper) Config {
	return Config{
		HTTPAddr:                 v.GetString("HTTP_ADDR"),
		PostgresDSN:              v.GetString("POSTGRES_DSN"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		LedgerEnv:                v.GetString("LEDGER_ENV"),
		AdminAPIKey:              v.GetString("ADMIN_API_KEY"),
		SigningPrivateKeySeedHex: v.GetString("SIGNING_PRIVATE_KEY_SEED_HEX"),
		VaultAddr:                v.GetString("VAULT_ADDR"),
		VaultToken:               v.GetString("VAULT_TOKEN"),
		VaultPathPrefix:          v.GetString("VAULT_PATH_PREFIX"),
		DeadLetterPath:           v.GetString("DEAD_LETTER_PATH"),
		AnchorPeriod:             positiveDuration(v, "ANCHOR_PERIOD", time.Hour),
		AnchorSchedule:           v.GetString("ANCHOR_SCHEDULE"),
		AnchorLookback:           positiveInt(v, "ANCHOR_LOOKBACK", 24),
		AnchorGrace:              nonNegativeDuration(v, "ANCHOR_GRACE", 30*time.Second),
		AnchorPublishEnabled:     v.GetBool("ANCHOR_PUBLISH_ENABLED"),
		AnchorConfirmEnabled:     v.GetBool("ANCHOR_CONFIRM_ENABLED"),
		AnchorChainRPCURL:        v.GetString("ANCHOR_CHAIN_RPC_URL"),
		AnchorChainID:            v.GetString("ANCHOR_CHAIN_ID"),
		AnchorContractAddress:    v.GetString("ANCHOR_CONTRACT_ADDRESS"),
		AnchorFromAddress:        v.GetString("ANCHOR_FROM_ADDRESS"),
		AnchorRequestTimeout:     positiveDuration(v, "ANCHOR_REQUEST_TIMEOUT", 10*time.Second),
		KeyApprovalTimeout:       positiveDuration(v, "KEY_APPROVAL_TIMEOUT", 24*time.Hour),
		KeyExecutionWindow:       positiveDuration(v, "KEY_EXECUTION_WINDOW", time.Hour),
		BreakGlassWindow:         positiveDuration(v, "BREAK_GLASS_WINDOW", 4*time.Hour),
		SweepSchedule:            v.GetString("SWEEP_SCHEDULE"),
		RateLimitRequests:        v.GetInt("RATE_LIMIT_REQUESTS"),
		RateLimitAppendRequests:  intOr(v, "RATE_LIMIT_APPEND_REQUESTS", v.GetInt("RATE_LIMIT_REQUESTS")),
		RateLimitAdminRequests:   intOr(v, "RATE_LIMIT_ADMIN_REQUESTS", v.GetInt("RATE_LIMIT_REQUESTS")),
		RateLimitWindowSeconds:   positiveInt(v, "RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:      v.GetBool("RATE_LIMIT_FAIL_CLOSED"),
		RateLimitMaxKeys:         positiveInt(v, "RATE_LIMIT_MAX_KEYS", 10000),
		RedisAddr:                v.GetString("REDIS_ADDR"),
		RedisPassword:            v.GetString("REDIS_PASSWORD"),
		RedisDB:                  v.GetInt("REDIS_DB"),
		JobLockTTL:               positiveDuration(v, "JOB_LOCK_TTL", 4*time.Minute),
	}
}

// intOr reads key when it is set at all, so an explicit 0 can disable one
// class while the shared budget stays on.
func intOr(v *viper.Viper, key string, fallback int) int {
	if strings.TrimSpace(v.GetString(key)) == "" {
		return fallback
	}
	return v.GetInt(key)
}

func positiveDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	d := v.GetDuration(key)
	if d <= 0 {
		return def
	}
	return d
}

func nonNegativeDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	d := v.GetDuration(key)
	if d < 0 {
		return def
	}
	return d
}

func positiveInt(v *viper.Viper, key string, def int) int {
	n := v.GetInt(key)
	if n <= 0 {
		return def
	}
	return n
}

func (c Config) Dev() bool {
	return c.LedgerEnv == "dev" || c.LedgerEnv == "development"
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}
