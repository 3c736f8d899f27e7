package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Empty() bool {
	return len(s.value) == 0
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port               string
	Environment        string
	LogLevel           string
	LogFile            string
	LogMaxSizeMB       int
	LogMaxBackups      int
	LogMaxAgeDays      int
	DatabasePath       string
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBQueryTimeout     time.Duration
	DBMinResponseTime  time.Duration
	RedisURL           string
	RedisTLS           bool
	RedisUsername      string
	RedisPassword      Secret
	RedisTimeout       time.Duration
	ViewCacheSize      int
	MaxPasteChars      int
	OptionsFile        string
	AppBaseURL         string
	TrustedProxies     []string
	RateLimit          RateLimitCfg
	MetricsUser        string
	MetricsPass        Secret
	AdminToken         Secret
	AddressPepper      Secret
	Recaptcha          RecaptchaCfg
	PurgeInterval      time.Duration
	ContextTimeout     time.Duration
	AllowedOrigins     []string
	SecretsCacheTTL    time.Duration
	MaxConcurrentWrite int
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

type RecaptchaCfg struct {
	SiteKey   string
	SecretKey Secret
	MinScore  float64
	Action    string
	Timeout   time.Duration
}

// LoadDotEnv reads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFile = getEnv("LOG_FILE", "")
	if c.LogMaxSizeMB, err = getInt("LOG_MAX_SIZE_MB", 100); err != nil {
		return nil, err
	}
	if c.LogMaxBackups, err = getInt("LOG_MAX_BACKUPS", 3); err != nil {
		return nil, err
	}
	if c.LogMaxAgeDays, err = getInt("LOG_MAX_AGE_DAYS", 28); err != nil {
		return nil, err
	}
	c.DatabasePath = getEnv("DATABASE_PATH", "slugbin.db")
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.DBMinResponseTime, err = getDuration("DB_MIN_RESPONSE_TIME", 0); err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if c.ViewCacheSize, err = getInt("VIEW_CACHE_SIZE", 10000); err != nil {
		return nil, err
	}
	if c.MaxPasteChars, err = getInt("PASTE_MAX_CHARS", 50000); err != nil {
		return nil, err
	}
	c.OptionsFile = getEnv("OPTIONS_FILE", "")
	c.AppBaseURL = strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:8080"), "/")
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 120); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}
	if c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 30); err != nil {
		return nil, err
	}
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.AdminToken = NewSecret(getEnv("ADMIN_TOKEN", ""))
	c.AddressPepper = NewSecret(getEnv("ADDRESS_PEPPER", ""))
	c.Recaptcha.SiteKey = strings.TrimSpace(getEnv("RECAPTCHA_SITE_KEY", ""))
	c.Recaptcha.SecretKey = NewSecret(strings.TrimSpace(getEnv("RECAPTCHA_SECRET_KEY", "")))
	if c.Recaptcha.MinScore, err = getFloat("RECAPTCHA_MIN_SCORE", 0.5); err != nil {
		return nil, err
	}
	if c.Recaptcha.MinScore < 0 {
		c.Recaptcha.MinScore = 0
	}
	if c.Recaptcha.MinScore > 1 {
		c.Recaptcha.MinScore = 1
	}
	c.Recaptcha.Action = getEnv("RECAPTCHA_ACTION", "create_paste")
	if c.Recaptcha.Timeout, err = getDuration("RECAPTCHA_TIMEOUT", 8*time.Second); err != nil {
		return nil, err
	}
	if c.PurgeInterval, err = getDuration("PURGE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	if c.SecretsCacheTTL, err = getDuration("SECRETS_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.MaxConcurrentWrite, err = getInt("MAX_CONCURRENT_WRITES", 256); err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.DBQueryTimeout <= 0 {
		return errors.New("DB_QUERY_TIMEOUT must be positive")
	}
	if c.DBMinResponseTime < 0 || c.DBMinResponseTime > time.Second {
		return errors.New("DB_MIN_RESPONSE_TIME must be between 0 and 1s")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.ViewCacheSize < 0 {
		return errors.New("VIEW_CACHE_SIZE must not be negative")
	}
	if c.MaxPasteChars <= 0 {
		return errors.New("PASTE_MAX_CHARS must be positive")
	}
	if c.MaxPasteChars > 5_000_000 {
		return errors.New("PASTE_MAX_CHARS cannot exceed 5000000")
	}
	u, err := url.Parse(c.AppBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("APP_BASE_URL must be an absolute http(s) URL, got %q", c.AppBaseURL)
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.ConservativeLimit <= 0 {
		return errors.New("RATE_LIMIT_CONSERVATIVE must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if !c.AddressPepper.Empty() && len(c.AddressPepper.Value()) < 32 {
		return errors.New("ADDRESS_PEPPER must be at least 32 bytes")
	}
	if c.Recaptcha.Timeout <= 0 {
		return errors.New("RECAPTCHA_TIMEOUT must be positive")
	}
	if c.PurgeInterval < 0 {
		return errors.New("PURGE_INTERVAL must not be negative")
	}
	if c.PurgeInterval > 0 && c.PurgeInterval < 10*time.Second {
		return errors.New("PURGE_INTERVAL must be at least 10s (or 0 to disable)")
	}
	if c.SecretsCacheTTL < time.Minute {
		return errors.New("SECRETS_CACHE_TTL must be at least 1 minute")
	}
	if c.MaxConcurrentWrite <= 0 {
		return errors.New("MAX_CONCURRENT_WRITES must be positive")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Empty() {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.AdminToken.Wipe()
	c.AddressPepper.Wipe()
	c.Recaptcha.SecretKey.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
