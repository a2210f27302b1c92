package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"lead-qualifier/internal/orchestrator"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	Store      StoreConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Twilio     TwilioConfig
	Call       CallConfig
	Classifier ClassifierConfig
	Scheduler  SchedulerConfig
	Archive    ArchiveConfig
}

type AppConfig struct {
	Env  string
	Port int
	// PublicBaseURL is where Twilio reaches our webhooks, e.g. https://calls.example.com.
	PublicBaseURL string
}

type StoreConfig struct {
	// Backend is memory, redis or postgres.
	Backend string
	// SessionTTL expires sessions in Redis; 0 keeps them.
	SessionTTL time.Duration
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Pool sizing; zero values take the pkg/utils defaults.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// LockTTL bounds how long a crashed instance can hold a session lock.
	LockTTL time.Duration
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// Operators is "id:key:role,..." for the operator API.
	Operators string
}

type TwilioConfig struct {
	// Transport is twilio or loopback.
	Transport  string
	AccountSID string
	AuthToken  string
	BaseURL    string
	// FromNumbers is "+15550001111:3,+15550002222" (weight defaults to 1).
	FromNumbers      string
	VerifySignature  bool
	RingTimeout      int
	MachineDetection string
	Voice            string
	Language         string
}

type CallConfig struct {
	MaxRetries         int
	GreetingTimeout    time.Duration
	ResponseTimeout    time.Duration
	SchedulingTimeout  time.Duration
	QualifyingTimeout  time.Duration
	BookingTimeout     time.Duration
	TimerGrace         time.Duration
	MaxConcurrentDials int
	// MinConfidence below which recognized speech counts as no speech.
	MinConfidence float64
	Prompts       orchestrator.Prompts
}

type ClassifierConfig struct {
	// URL of the classification endpoint; empty uses the built-in keyword classifier.
	URL     string
	APIKey  string
	Timeout time.Duration
}

type SchedulerConfig struct {
	// URL of the booking endpoint; empty uses the in-memory scheduler.
	URL     string
	APIKey  string
	Timeout time.Duration
	// Unavailable lists slots the in-memory scheduler refuses, comma separated.
	Unavailable []string
}

type ArchiveConfig struct {
	// Backend is none, postgres or minio.
	Backend        string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error
	intVar := func(dst *int, key string, def int) {
		n, err := optionalInt(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = n
	}
	durVar := func(dst *time.Duration, key string) {
		d, err := optionalDuration(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = d
	}
	boolVar := func(dst *bool, key string) {
		b, err := optionalBool(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = b
	}

	c.App.Env = env("APP_ENV")
	{
		n, err := mustInt("APP_PORT")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.App.Port = n
	}
	c.App.PublicBaseURL = env("APP_PUBLIC_BASE_URL")

	c.Store.Backend = strings.ToLower(env("STORE_BACKEND"))
	durVar(&c.Store.SessionTTL, "STORE_SESSION_TTL")

	c.DB.Host = env("DB_HOST")
	intVar(&c.DB.Port, "DB_PORT", 5432)
	c.DB.User = env("DB_USER")
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = env("DB_NAME")
	c.DB.SSLMode = env("DB_SSLMODE")
	intVar(&c.DB.MaxOpenConns, "DB_MAX_OPEN_CONNS", 0)
	intVar(&c.DB.MaxIdleConns, "DB_MAX_IDLE_CONNS", 0)
	durVar(&c.DB.ConnMaxLifetime, "DB_CONN_MAX_LIFETIME")

	c.Redis.Host = env("REDIS_HOST")
	intVar(&c.Redis.Port, "REDIS_PORT", 6379)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	intVar(&c.Redis.DB, "REDIS_DB", 0)
	durVar(&c.Redis.LockTTL, "REDIS_LOCK_TTL")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = env("JWT_ISSUER")
	c.Auth.JWTAudience = env("JWT_AUDIENCE")
	durVar(&c.Auth.AccessTokenTTL, "JWT_ACCESS_TTL")
	durVar(&c.Auth.RefreshTokenTTL, "JWT_REFRESH_TTL")
	c.Auth.Operators = os.Getenv("OPERATOR_ACCOUNTS")

	c.Twilio.Transport = strings.ToLower(env("TELEPHONY_TRANSPORT"))
	c.Twilio.AccountSID = env("TWILIO_ACCOUNT_SID")
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.BaseURL = env("TWILIO_BASE_URL")
	c.Twilio.FromNumbers = env("TWILIO_FROM_NUMBERS")
	boolVar(&c.Twilio.VerifySignature, "TWILIO_VERIFY_SIGNATURE")
	intVar(&c.Twilio.RingTimeout, "TWILIO_RING_TIMEOUT", 0)
	c.Twilio.MachineDetection = env("TWILIO_MACHINE_DETECTION")
	c.Twilio.Voice = env("TWILIO_VOICE")
	c.Twilio.Language = env("TWILIO_LANGUAGE")

	defaults := orchestrator.DefaultPolicy()
	intVar(&c.Call.MaxRetries, "CALL_MAX_RETRIES", defaults.MaxRetries)
	durVar(&c.Call.GreetingTimeout, "CALL_GREETING_TIMEOUT")
	durVar(&c.Call.ResponseTimeout, "CALL_RESPONSE_TIMEOUT")
	durVar(&c.Call.SchedulingTimeout, "CALL_SCHEDULING_TIMEOUT")
	durVar(&c.Call.QualifyingTimeout, "CALL_QUALIFYING_TIMEOUT")
	durVar(&c.Call.BookingTimeout, "CALL_BOOKING_TIMEOUT")
	durVar(&c.Call.TimerGrace, "CALL_TIMER_GRACE")
	intVar(&c.Call.MaxConcurrentDials, "CALL_MAX_CONCURRENT_DIALS", 0)
	{
		f, err := optionalFloat("CALL_MIN_CONFIDENCE")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Call.MinConfidence = f
	}
	c.Call.Prompts = loadPrompts()

	c.Classifier.URL = env("CLASSIFIER_URL")
	c.Classifier.APIKey = os.Getenv("CLASSIFIER_API_KEY")
	durVar(&c.Classifier.Timeout, "CLASSIFIER_TIMEOUT")

	c.Scheduler.URL = env("SCHEDULER_URL")
	c.Scheduler.APIKey = os.Getenv("SCHEDULER_API_KEY")
	durVar(&c.Scheduler.Timeout, "SCHEDULER_TIMEOUT")
	c.Scheduler.Unavailable = splitList(os.Getenv("SCHEDULER_UNAVAILABLE_SLOTS"))

	c.Archive.Backend = strings.ToLower(env("ARCHIVE_BACKEND"))
	c.Archive.MinioEndpoint = env("MINIO_ENDPOINT")
	c.Archive.MinioAccessKey = env("MINIO_ACCESS_KEY")
	c.Archive.MinioSecretKey = os.Getenv("MINIO_SECRET_KEY")
	c.Archive.MinioBucket = env("MINIO_BUCKET")
	boolVar(&c.Archive.MinioUseSSL, "MINIO_USE_SSL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults and reports every problem at once.
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

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	switch c.Store.Backend {
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	case "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of memory, redis, postgres, got %q", c.Store.Backend))
	}

	if c.Archive.Backend == "" {
		c.Archive.Backend = "none"
	}
	switch c.Archive.Backend {
	case "none", "postgres":
	case "minio":
		if c.Archive.MinioEndpoint == "" || c.Archive.MinioBucket == "" {
			errs = append(errs, errors.New("MINIO_ENDPOINT and MINIO_BUCKET are required for ARCHIVE_BACKEND=minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("ARCHIVE_BACKEND must be one of none, postgres, minio, got %q", c.Archive.Backend))
	}

	if c.NeedsPostgres() {
		errs = append(errs, c.validateDB()...)
	}
	if c.Store.Backend == "redis" && c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required for STORE_BACKEND=redis"))
	}
	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = 30 * time.Second
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
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.Transport == "" {
		c.Twilio.Transport = "twilio"
		if !c.IsProduction() && c.Twilio.AccountSID == "" {
			c.Twilio.Transport = "loopback"
		}
	}
	switch c.Twilio.Transport {
	case "twilio":
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for TELEPHONY_TRANSPORT=twilio"))
		}
		if c.App.PublicBaseURL == "" {
			errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required for TELEPHONY_TRANSPORT=twilio"))
		}
		if c.IsProduction() && !c.Twilio.VerifySignature {
			errs = append(errs, errors.New("TWILIO_VERIFY_SIGNATURE must be enabled in production"))
		}
	case "loopback":
		if c.IsProduction() {
			errs = append(errs, errors.New("TELEPHONY_TRANSPORT=loopback is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("TELEPHONY_TRANSPORT must be twilio or loopback, got %q", c.Twilio.Transport))
	}
	if c.Twilio.VerifySignature && c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_VERIFY_SIGNATURE requires TWILIO_AUTH_TOKEN"))
	}

	if c.Call.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("CALL_MAX_RETRIES must be >= 0, got %d", c.Call.MaxRetries))
	}
	if c.Call.MaxConcurrentDials < 0 {
		errs = append(errs, fmt.Errorf("CALL_MAX_CONCURRENT_DIALS must be >= 0, got %d", c.Call.MaxConcurrentDials))
	}
	if c.Call.MinConfidence < 0 || c.Call.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("CALL_MIN_CONFIDENCE must be within 0..1, got %v", c.Call.MinConfidence))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}

	return joinErrors(errs)
}

func (c Config) validateDB() []error {
	var errs []error
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
	if c.DB.MaxOpenConns < 0 || c.DB.MaxIdleConns < 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS and DB_MAX_IDLE_CONNS must be >= 0"))
	}
	if c.DB.MaxIdleConns > 0 && c.DB.MaxOpenConns > 0 && c.DB.MaxIdleConns > c.DB.MaxOpenConns {
		errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS (%d) must not exceed DB_MAX_OPEN_CONNS (%d)", c.DB.MaxIdleConns, c.DB.MaxOpenConns))
	}
	if c.DB.SSLMode == "" && c.IsProduction() {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

// Policy builds the orchestrator policy. Zero durations fall back to the defaults.
func (c Config) Policy() orchestrator.Policy {
	return orchestrator.Policy{
		MaxRetries:        c.Call.MaxRetries,
		GreetingTimeout:   c.Call.GreetingTimeout,
		ResponseTimeout:   c.Call.ResponseTimeout,
		SchedulingTimeout: c.Call.SchedulingTimeout,
		QualifyingTimeout: c.Call.QualifyingTimeout,
		BookingTimeout:    c.Call.BookingTimeout,
		TimerGrace:        c.Call.TimerGrace,
		Prompts:           c.Call.Prompts,
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// NeedsPostgres reports whether any component stores to Postgres.
func (c Config) NeedsPostgres() bool {
	return c.Store.Backend == "postgres" || c.Archive.Backend == "postgres"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	sslmode := c.DB.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		sslmode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// loadPrompts starts from the defaults and applies CALL_PROMPT_* overrides.
func loadPrompts() orchestrator.Prompts {
	p := orchestrator.DefaultPrompts()
	for key, dst := range map[string]*string{
		"CALL_PROMPT_GREETING":         &p.Greeting,
		"CALL_PROMPT_QUESTION":         &p.Question,
		"CALL_PROMPT_RETRY_QUESTION":   &p.RetryQuestion,
		"CALL_PROMPT_SCHEDULING":       &p.Scheduling,
		"CALL_PROMPT_SLOT_RETRY":       &p.SlotRetry,
		"CALL_PROMPT_SLOT_UNAVAILABLE": &p.SlotUnavailable,
		"CALL_PROMPT_CONFIRMATION":     &p.Confirmation,
		"CALL_PROMPT_THANK_YOU":        &p.ThankYou,
		"CALL_PROMPT_APOLOGY":          &p.Apology,
		"CALL_PROMPT_HOLD":             &p.Hold,
	} {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	return p
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func mustInt(key string) (int, error) {
	v := env(key)
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalFloat(key string) (float64, error) {
	v := env(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func optionalDuration(key string) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func optionalBool(key string) (bool, error) {
	v := env(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
