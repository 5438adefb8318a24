// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env              string
	DebugDoubleWrite bool
	ChatAddr         string // chat-service
	LinkingAddr      string // linking-service

	BasePublicURL string

	// Auth0 tenant (token vault, connected accounts, management API)
	Auth0Domain                 string
	Auth0ClientID               string
	Auth0ClientSecret           string
	Auth0Audience               string
	Auth0ManagementClientID     string
	Auth0ManagementClientSecret string
	Auth0DBConnection           string

	// Chatbot session tokens
	SessionIssuer   string
	SessionAudience string
	SessionJWKSURL  string
	ClockSkew       time.Duration

	// Merchant OAuth server (account linking)
	MerchantIssuer            string
	MerchantAudience          string
	MerchantJWKSURL           string
	MerchantAuthorizeURL      string
	MerchantTokenURL          string
	MerchantClientID          string
	MerchantClientSecret      string
	MerchantRedirectURI       string
	AllowUnverifiedAssertions bool

	// Token vault behaviour
	SealingKey         string
	EnabledConnections []string
	ConnectionsFile    string
	ConnectSessionTTL  time.Duration
	TokenExpiryMargin  time.Duration
	MaxResumes         int

	// Chat
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	DailyLimitEnabled bool
	DailyMessageLimit int
	ToolPolicyFile    string

	// Retention
	LinkRetention time.Duration

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                         env("VAULTBOT_ENV", "dev"),
		DebugDoubleWrite:            envBool("DEBUG_DOUBLE_WRITE", false),
		ChatAddr:                    env("CHAT_HTTP_ADDR", ":8080"),
		LinkingAddr:                 env("LINKING_HTTP_ADDR", ":8081"),
		BasePublicURL:               strings.TrimRight(env("BASE_PUBLIC_URL", "http://localhost:8080"), "/"),
		Auth0Domain:                 env("AUTH0_DOMAIN", ""),
		Auth0ClientID:               env("AUTH0_CLIENT_ID", ""),
		Auth0ClientSecret:           env("AUTH0_CLIENT_SECRET", ""),
		Auth0Audience:               env("AUTH0_AUDIENCE", ""),
		Auth0ManagementClientID:     env("AUTH0_MGMT_CLIENT_ID", ""),
		Auth0ManagementClientSecret: env("AUTH0_MGMT_CLIENT_SECRET", ""),
		Auth0DBConnection:           env("AUTH0_DB_CONNECTION", "Username-Password-Authentication"),
		SessionIssuer:               env("SESSION_ISSUER", ""),
		SessionAudience:             env("SESSION_AUDIENCE", ""),
		SessionJWKSURL:              env("SESSION_JWKS_URL", ""),
		ClockSkew:                   envDur("CLOCK_SKEW_SEC", 60) * time.Second,
		MerchantIssuer:              env("MERCHANT_ISSUER", ""),
		MerchantAudience:            env("MERCHANT_AUDIENCE", ""),
		MerchantJWKSURL:             env("MERCHANT_JWKS_URL", ""),
		MerchantAuthorizeURL:        env("MERCHANT_AUTHORIZE_URL", ""),
		MerchantTokenURL:            env("MERCHANT_TOKEN_URL", ""),
		MerchantClientID:            env("MERCHANT_CLIENT_ID", ""),
		MerchantClientSecret:        env("MERCHANT_CLIENT_SECRET", ""),
		MerchantRedirectURI:         env("MERCHANT_REDIRECT_URI", ""),
		AllowUnverifiedAssertions:   envBool("ALLOW_UNVERIFIED_ASSERTIONS", false),
		SealingKey:                  env("SEALING_KEY", ""),
		EnabledConnections:          envList("ENABLED_CONNECTIONS"),
		ConnectionsFile:             env("CONNECTIONS_FILE", ""),
		ConnectSessionTTL:           envDur("CONNECT_SESSION_TTL_SEC", 300) * time.Second,
		TokenExpiryMargin:           envDur("TOKEN_EXPIRY_MARGIN_SEC", 30) * time.Second,
		MaxResumes:                  envInt("MAX_RESUMES", 3),
		OpenAIAPIKey:                env("OPENAI_API_KEY", ""),
		OpenAIModel:                 env("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:               env("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		DailyLimitEnabled:           envBool("DAILY_LIMIT_ENABLED", false),
		DailyMessageLimit:           envInt("DAILY_MESSAGE_LIMIT", 50),
		ToolPolicyFile:              env("TOOL_POLICY_FILE", ""),
		LinkRetention:               envDur("LINK_RETENTION_DAYS", 365) * 24 * time.Hour,
		RedisURL:                    env("REDIS_URL", ""),
		DatabaseURL:                 env("DATABASE_URL", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; using in-memory stores for dev")
	}
	if cfg.SealingKey == "" && cfg.Env == "prod" {
		log.Println("[WARN] SEALING_KEY not set; credentials will be stored unsealed")
	}
	return cfg
}

// Auth0BaseURL returns the https base of the configured tenant domain.
func (c Config) Auth0BaseURL() string {
	d := strings.TrimRight(c.Auth0Domain, "/")
	if d == "" || strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://") {
		return d
	}
	return "https://" + d
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
func envList(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
