package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/bridge/internal/platform/auth"
	"github.com/ehr/bridge/internal/platform/middleware"
	"github.com/ehr/bridge/internal/platform/webhook"
)

// maxUploadAttempts bounds UPLOAD_MAX_ATTEMPTS.
const maxUploadAttempts = 10

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	FHIRBaseURL         string        `mapstructure:"FHIR_BASE_URL"`
	FHIRUsername        string        `mapstructure:"FHIR_USERNAME"`
	FHIRPassword        string        `mapstructure:"FHIR_PASSWORD"`
	FHIRBearerToken     string        `mapstructure:"FHIR_BEARER_TOKEN"`
	FHIRTimeout         time.Duration `mapstructure:"FHIR_TIMEOUT"`
	UploadMaxAttempts   int           `mapstructure:"UPLOAD_MAX_ATTEMPTS"`
	UploadRetryBase     time.Duration `mapstructure:"UPLOAD_RETRY_BASE"`
	MLLPAddr            string        `mapstructure:"MLLP_ADDR"`
	ClassifierRulesFile string        `mapstructure:"CLASSIFIER_RULES_FILE"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	WebhookURL          string        `mapstructure:"DISPATCH_WEBHOOK_URL"`
	WebhookSecret       string        `mapstructure:"DISPATCH_WEBHOOK_SECRET"`
}

var keys = []string{
	"PORT",
	"ENV",
	"FHIR_BASE_URL",
	"FHIR_USERNAME",
	"FHIR_PASSWORD",
	"FHIR_BEARER_TOKEN",
	"FHIR_TIMEOUT",
	"UPLOAD_MAX_ATTEMPTS",
	"UPLOAD_RETRY_BASE",
	"MLLP_ADDR",
	"CLASSIFIER_RULES_FILE",
	"BODY_LIMIT",
	"CORS_ORIGINS",
	"DISPATCH_WEBHOOK_URL",
	"DISPATCH_WEBHOOK_SECRET",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. Environment variables take precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("FHIR_BASE_URL", "http://localhost:8080/fhir")
	v.SetDefault("FHIR_TIMEOUT", "30s")
	v.SetDefault("UPLOAD_MAX_ATTEMPTS", 3)
	v.SetDefault("UPLOAD_RETRY_BASE", "1s")
	v.SetDefault("BODY_LIMIT", "32M")
	v.SetDefault("CORS_ORIGINS", "*")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = nil
	for _, o := range strings.Split(v.GetString("CORS_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Credentials returns the repository credentials as configured.
func (c *Config) Credentials() auth.Credentials {
	return auth.Credentials{
		Username:    c.FHIRUsername,
		Password:    c.FHIRPassword,
		BearerToken: c.FHIRBearerToken,
	}
}

// Validate checks that the configuration is usable before anything connects
// to the repository.
func (c *Config) Validate() error {
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil {
		return fmt.Errorf("FHIR_BASE_URL is not a valid URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL must be an http(s) URL, got %q", c.FHIRBaseURL)
	}

	if err := c.Credentials().Validate(time.Now()); err != nil {
		return fmt.Errorf("FHIR credentials: %w", err)
	}

	if c.UploadMaxAttempts < 1 || c.UploadMaxAttempts > maxUploadAttempts {
		return fmt.Errorf("UPLOAD_MAX_ATTEMPTS must be between 1 and %d, got %d", maxUploadAttempts, c.UploadMaxAttempts)
	}
	if c.FHIRTimeout <= 0 {
		return fmt.Errorf("FHIR_TIMEOUT must be positive, got %s", c.FHIRTimeout)
	}
	if c.UploadRetryBase < 0 {
		return fmt.Errorf("UPLOAD_RETRY_BASE must not be negative, got %s", c.UploadRetryBase)
	}

	if err := middleware.ValidateLimit(c.BodyLimit); err != nil {
		return fmt.Errorf("BODY_LIMIT: %w", err)
	}

	if c.WebhookURL != "" {
		if err := webhook.ValidateURL(c.WebhookURL); err != nil {
			return fmt.Errorf("DISPATCH_WEBHOOK_URL: %w", err)
		}
	}

	return nil
}
