package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "PASTE_MAX_CHARS", "RECAPTCHA_MIN_SCORE", "RECAPTCHA_ACTION", "PURGE_INTERVAL", "APP_BASE_URL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != "8080" {
		t.Errorf("Port = %q, want 8080", c.Port)
	}
	if c.MaxPasteChars != 50000 {
		t.Errorf("MaxPasteChars = %d, want 50000", c.MaxPasteChars)
	}
	if c.Recaptcha.MinScore != 0.5 {
		t.Errorf("MinScore = %v, want 0.5", c.Recaptcha.MinScore)
	}
	if c.Recaptcha.Action != "create_paste" {
		t.Errorf("Action = %q", c.Recaptcha.Action)
	}
	if c.PurgeInterval != 5*time.Minute {
		t.Errorf("PurgeInterval = %v", c.PurgeInterval)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadClampsMinScore(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"-1", 0},
		{"0.7", 0.7},
		{"3", 1},
	}
	for _, tt := range tests {
		t.Setenv("RECAPTCHA_MIN_SCORE", tt.in)
		c, err := Load()
		if err != nil {
			t.Fatalf("Load(%s): %v", tt.in, err)
		}
		if c.Recaptcha.MinScore != tt.want {
			t.Errorf("MinScore(%s) = %v, want %v", tt.in, c.Recaptcha.MinScore, tt.want)
		}
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("PASTE_MAX_CHARS", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric PASTE_MAX_CHARS")
	}
}

func TestLoadTrimsBaseURL(t *testing.T) {
	t.Setenv("APP_BASE_URL", "https://paste.example.com/")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.AppBaseURL != "https://paste.example.com" {
		t.Errorf("AppBaseURL = %q", c.AppBaseURL)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Cfg {
		return &Cfg{
			Port:               "8080",
			DatabasePath:       "x.db",
			DBMaxOpenConns:     1,
			DBQueryTimeout:     time.Second,
			MaxPasteChars:      100,
			AppBaseURL:         "http://localhost:8080",
			RateLimit:          RateLimitCfg{RPM: 10, Burst: 1, ConservativeLimit: 5},
			Recaptcha:          RecaptchaCfg{Timeout: time.Second},
			PurgeInterval:      time.Minute,
			SecretsCacheTTL:    time.Minute,
			MaxConcurrentWrite: 1,
		}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(c *Cfg)
	}{
		{"bad port", func(c *Cfg) { c.Port = "http" }},
		{"zero max chars", func(c *Cfg) { c.MaxPasteChars = 0 }},
		{"relative base url", func(c *Cfg) { c.AppBaseURL = "/paste" }},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"10.0.0.0/99"} }},
		{"short pepper", func(c *Cfg) { c.AddressPepper = NewSecret("short") }},
		{"tiny purge interval", func(c *Cfg) { c.PurgeInterval = time.Second }},
		{"rediss without tls", func(c *Cfg) { c.RedisURL = "rediss://localhost:6379" }},
		{"prod without metrics auth", func(c *Cfg) { c.Environment = "production" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := Validate(c); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}

	c := base()
	c.PurgeInterval = 0
	if err := Validate(c); err != nil {
		t.Errorf("PURGE_INTERVAL=0 should disable the cleaner, got %v", err)
	}
}

func TestSecretRedacted(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() != "***REDACTED***" {
		t.Errorf("String() leaked secret: %q", s.String())
	}
	s.Wipe()
	if s.Value() == "hunter2" {
		t.Error("Wipe did not clear the secret")
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SLUGBIN_TEST_A=file\nSLUGBIN_TEST_B=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SLUGBIN_TEST_A", "env")
	t.Setenv("SLUGBIN_TEST_B", "")
	os.Unsetenv("SLUGBIN_TEST_B")
	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("SLUGBIN_TEST_A"); got != "env" {
		t.Errorf("SLUGBIN_TEST_A = %q, want env", got)
	}
	if got := os.Getenv("SLUGBIN_TEST_B"); got != "file" {
		t.Errorf("SLUGBIN_TEST_B = %q, want file", got)
	}
}
