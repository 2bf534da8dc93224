package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"coachapi/internal/model"
)

type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	Environment        string `envconfig:"ENV" default:"production"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	SiteURL            string `envconfig:"SITE_URL" default:"http://localhost:3000"`
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// Session marker (anonymous identity cookie)
	SessionCookieName       string `envconfig:"SESSION_COOKIE_NAME" default:"mc_session_id"`
	SessionCookieMaxAgeDays int    `envconfig:"SESSION_COOKIE_MAX_AGE_DAYS" default:"90"`
	SessionHeaderName       string `envconfig:"SESSION_HEADER_NAME" default:"X-Session-Id"`

	// Auth collaborator
	AuthJWTSecret  string `envconfig:"AUTH_JWT_SECRET"`
	AuthCookieName string `envconfig:"AUTH_COOKIE_NAME" default:"mc_auth"`

	// Stripe settings
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripePriceStarter  string `envconfig:"STRIPE_PRICE_STARTER"`
	StripePricePro      string `envconfig:"STRIPE_PRICE_PRO"`
	StripePriceElite    string `envconfig:"STRIPE_PRICE_ELITE"`

	// Completion collaborator
	OpenAIAPIKey        string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel         string `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
	OpenAIBaseURL       string `envconfig:"OPENAI_BASE_URL"`
	ChatSystemPrompt    string `envconfig:"CHAT_SYSTEM_PROMPT" default:"You are a direct, grounded coach. Keep answers short and practical."`
	ChatMaxOutputTokens int    `envconfig:"CHAT_MAX_OUTPUT_TOKENS" default:"600"`
	ChatHistoryLimit    int    `envconfig:"CHAT_HISTORY_LIMIT" default:"20"`
	ChatTimeoutSec      int    `envconfig:"CHAT_TIMEOUT_SEC" default:"60"`

	// Google Cloud
	GCPProjectID            string `envconfig:"GCP_PROJECT_ID"`
	GCPCredentialsFile      string `envconfig:"GCP_CREDENTIALS_FILE"`
	PubSubAccountEventTopic string `envconfig:"PUBSUB_ACCOUNT_EVENTS_TOPIC"`
	SecretManagerEnabled    bool   `envconfig:"SECRET_MANAGER_ENABLED" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment reports whether the service runs with local development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// SessionCookieMaxAge is the lifetime of the anonymous session cookie.
func (c *Config) SessionCookieMaxAge() time.Duration {
	return time.Duration(c.SessionCookieMaxAgeDays) * 24 * time.Hour
}

// PriceTable maps configured Stripe price IDs to plans. Unset prices are skipped.
func (c *Config) PriceTable() model.PriceTable {
	table := model.PriceTable{}
	for priceID, plan := range map[string]model.Plan{
		c.StripePriceStarter: model.PlanStarter,
		c.StripePricePro:     model.PlanPro,
		c.StripePriceElite:   model.PlanElite,
	} {
		if id := strings.TrimSpace(priceID); id != "" {
			table[id] = plan
		}
	}
	return table
}

// PriceForPlan returns the configured Stripe price for a paid plan.
func (c *Config) PriceForPlan(plan model.Plan) (string, bool) {
	var id string
	switch plan {
	case model.PlanStarter:
		id = c.StripePriceStarter
	case model.PlanPro:
		id = c.StripePricePro
	case model.PlanElite:
		id = c.StripePriceElite
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
