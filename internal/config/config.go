package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	Session   SessionConfig
	Calls     CallsConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Env  string
	Port int
	// LogLevel overrides the env-derived level (debug, info, warn, error).
	LogLevel string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// AutoMigrate applies the embedded schema at startup.
	AutoMigrate bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// DevLogin enables POST /v1/auth/login, which issues tokens without
	// checking credentials. Refused in production.
	DevLogin bool
}

const (
	ProviderHTTP   = "http"
	ProviderTwilio = "twilio"
)

type ProviderConfig struct {
	// Kind selects the gateway: http (form-POST connect API) or twilio.
	Kind       string
	BaseURL    string
	APIKey     string
	APIToken   string
	AccountSID string
	CallerID   string

	StatusCallbackURL string
	Timeout           time.Duration
	CountryCode       string
	Record            bool
}

const (
	VerifyTwilio = "twilio"
	VerifyToken  = "token"
	VerifyNone   = "none"
)

type WebhookConfig struct {
	Verify        string
	Token         string
	PendingWindow time.Duration
	PendingMax    int
}

const (
	SessionMemory = "memory"
	SessionRedis  = "redis"
)

type SessionConfig struct {
	Backend       string
	MaxAge        time.Duration
	TerminalGrace time.Duration
}

type CallsConfig struct {
	StuckTimeout      time.Duration
	ReaperInterval    time.Duration
	MaxActivePerAgent int
}

// RateLimitConfig is a per-client-IP token bucket; RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	{
		b, err := optBool("DB_AUTO_MIGRATE", false)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.DB.AutoMigrate = b
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL, parseErrs = durationInto(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = durationInto(parseErrs, "JWT_REFRESH_TTL")
	{
		b, err := optBool("AUTH_DEV_LOGIN", false)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Auth.DevLogin = b
	}

	c.Provider.Kind = strings.ToLower(strings.TrimSpace(os.Getenv("PROVIDER_KIND")))
	c.Provider.BaseURL = strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	c.Provider.APIKey = strings.TrimSpace(os.Getenv("PROVIDER_API_KEY"))
	c.Provider.APIToken = os.Getenv("PROVIDER_API_TOKEN")
	c.Provider.AccountSID = strings.TrimSpace(os.Getenv("PROVIDER_ACCOUNT_SID"))
	c.Provider.CallerID = strings.TrimSpace(os.Getenv("PROVIDER_CALLER_ID"))
	c.Provider.StatusCallbackURL = strings.TrimSpace(os.Getenv("PROVIDER_STATUS_CALLBACK_URL"))
	c.Provider.Timeout, parseErrs = durationInto(parseErrs, "PROVIDER_TIMEOUT")
	c.Provider.CountryCode = strings.TrimPrefix(strings.TrimSpace(os.Getenv("PROVIDER_COUNTRY_CODE")), "+")
	{
		b, err := optBool("PROVIDER_RECORD", true)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Provider.Record = b
	}

	c.Webhook.Verify = strings.ToLower(strings.TrimSpace(os.Getenv("WEBHOOK_VERIFY")))
	c.Webhook.Token = os.Getenv("WEBHOOK_TOKEN")
	c.Webhook.PendingWindow, parseErrs = durationInto(parseErrs, "WEBHOOK_PENDING_WINDOW")
	{
		n, err := optInt("WEBHOOK_PENDING_MAX")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Webhook.PendingMax = n
	}

	c.Session.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("SESSION_BACKEND")))
	c.Session.MaxAge, parseErrs = durationInto(parseErrs, "SESSION_MAX_AGE")
	c.Session.TerminalGrace, parseErrs = durationInto(parseErrs, "SESSION_TERMINAL_GRACE")

	c.Calls.StuckTimeout, parseErrs = durationInto(parseErrs, "CALL_STUCK_TIMEOUT")
	c.Calls.ReaperInterval, parseErrs = durationInto(parseErrs, "REAPER_INTERVAL")
	{
		n, err := optInt("MAX_ACTIVE_CALLS_PER_AGENT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.MaxActivePerAgent = n
	}

	if v := strings.TrimSpace(os.Getenv("API_RATE_LIMIT")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("API_RATE_LIMIT must be a number, got %q", v))
		}
		c.RateLimit.RPS = f
	}
	{
		n, err := optInt("API_RATE_BURST")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.RateLimit.Burst = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks c and fills env-dependent defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	switch c.App.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.App.LogLevel))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Session.Backend == "" {
		c.Session.Backend = SessionMemory
	}
	switch c.Session.Backend {
	case SessionMemory, SessionRedis:
	default:
		errs = append(errs, fmt.Errorf("SESSION_BACKEND must be memory or redis, got %q", c.Session.Backend))
	}
	if c.NeedsRedis() {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when SESSION_BACKEND=redis"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Auth.DevLogin {
			errs = append(errs, errors.New("AUTH_DEV_LOGIN is not allowed in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.validateProvider()...)
	errs = append(errs, c.validateWebhook()...)

	if c.Session.MaxAge <= 0 {
		c.Session.MaxAge = 2 * time.Hour
	}
	if c.Session.TerminalGrace <= 0 {
		c.Session.TerminalGrace = time.Minute
	}
	if c.Calls.StuckTimeout <= 0 {
		c.Calls.StuckTimeout = 5 * time.Minute
	}
	if c.Calls.ReaperInterval <= 0 {
		c.Calls.ReaperInterval = 30 * time.Second
	}
	if c.Calls.MaxActivePerAgent < 0 {
		errs = append(errs, fmt.Errorf("MAX_ACTIVE_CALLS_PER_AGENT must be >= 0, got %d", c.Calls.MaxActivePerAgent))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RPS*2) + 1
	}

	return joinErrors(errs)
}

func (c *Config) validateProvider() []error {
	var errs []error
	p := &c.Provider
	if p.Kind == "" {
		p.Kind = ProviderHTTP
	}
	switch p.Kind {
	case ProviderHTTP:
		if p.BaseURL == "" {
			errs = append(errs, errors.New("PROVIDER_BASE_URL is required for PROVIDER_KIND=http"))
		}
		if p.APIKey == "" || p.APIToken == "" {
			errs = append(errs, errors.New("PROVIDER_API_KEY and PROVIDER_API_TOKEN are required"))
		}
	case ProviderTwilio:
		if p.APIToken == "" {
			errs = append(errs, errors.New("PROVIDER_API_TOKEN (twilio auth token) is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("PROVIDER_KIND must be http or twilio, got %q", p.Kind))
	}
	if p.AccountSID == "" {
		errs = append(errs, errors.New("PROVIDER_ACCOUNT_SID is required"))
	}
	if p.CallerID == "" {
		errs = append(errs, errors.New("PROVIDER_CALLER_ID is required"))
	}
	if p.StatusCallbackURL == "" && c.IsProduction() {
		errs = append(errs, errors.New("PROVIDER_STATUS_CALLBACK_URL is required in production"))
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.CountryCode == "" {
		p.CountryCode = "91"
	}
	if _, err := strconv.Atoi(p.CountryCode); err != nil {
		errs = append(errs, fmt.Errorf("PROVIDER_COUNTRY_CODE must be digits, got %q", p.CountryCode))
	}
	return errs
}

func (c *Config) validateWebhook() []error {
	var errs []error
	w := &c.Webhook
	if w.Verify == "" {
		if c.Provider.Kind == ProviderTwilio {
			w.Verify = VerifyTwilio
		} else {
			w.Verify = VerifyToken
		}
	}
	switch w.Verify {
	case VerifyTwilio:
		if c.Provider.Kind != ProviderTwilio {
			errs = append(errs, errors.New("WEBHOOK_VERIFY=twilio requires PROVIDER_KIND=twilio"))
		}
	case VerifyToken:
		if w.Token == "" {
			errs = append(errs, errors.New("WEBHOOK_TOKEN is required for WEBHOOK_VERIFY=token"))
		}
	case VerifyNone:
		if c.IsProduction() {
			errs = append(errs, errors.New("WEBHOOK_VERIFY=none is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("WEBHOOK_VERIFY must be twilio, token or none, got %q", w.Verify))
	}
	if w.PendingWindow <= 0 {
		w.PendingWindow = 2 * time.Minute
	}
	if w.PendingMax <= 0 {
		w.PendingMax = 10000
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// NeedsRedis reports whether any configured component is backed by Redis.
// The per-agent cap follows the session backend.
func (c Config) NeedsRedis() bool {
	return c.Session.Backend == SessionRedis
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

// durationInto parses an optional duration, collecting a parse error.
func durationInto(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
