package verify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// SecretSource yields the server-side secret on demand so a rotated secret
// takes effect without a restart.
type SecretSource interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// StaticSecret is a SecretSource that always returns the same value.
type StaticSecret string

func (s StaticSecret) GetSecret(ctx context.Context, key string) (string, error) {
	return string(s), nil
}

type RecaptchaConfig struct {
	SiteKey   string
	SecretKey string // key looked up in the SecretSource
	MinScore  float64
	Action    string
	Timeout   time.Duration
	VerifyURL string
}

// Recaptcha checks reCAPTCHA v3 tokens against the siteverify endpoint.
type Recaptcha struct {
	cfg    RecaptchaConfig
	secret SecretSource
	client *http.Client
}

type siteverifyResp struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score"`
	Action     string   `json:"action"`
	Hostname   string   `json:"hostname"`
	ErrorCodes []string `json:"error-codes"`
}

func NewRecaptcha(c RecaptchaConfig, secret SecretSource) *Recaptcha {
	if c.VerifyURL == "" {
		c.VerifyURL = DefaultVerifyURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	if c.SecretKey == "" {
		c.SecretKey = "RECAPTCHA_SECRET_KEY"
	}
	return &Recaptcha{
		cfg:    c,
		secret: secret,
		client: &http.Client{Timeout: c.Timeout},
	}
}

func (r *Recaptcha) SiteKey() string {
	return r.cfg.SiteKey
}

func (r *Recaptcha) Enabled() bool {
	return strings.TrimSpace(r.cfg.SiteKey) != "" && r.secret != nil
}

// Verify reports whether token is a successful response for the configured
// action with at least the minimum score. An empty token is rejected without
// a network call. Transport and decoding failures return false with an error.
func (r *Recaptcha) Verify(ctx context.Context, token, remoteAddr string) (bool, error) {
	if !r.Enabled() {
		return true, nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false, nil
	}
	secret, err := r.secret.GetSecret(ctx, r.cfg.SecretKey)
	if err != nil {
		return false, errors.Wrap(err, "load recaptcha secret")
	}
	if strings.TrimSpace(secret) == "" {
		return false, errors.New("recaptcha secret is empty")
	}
	form := url.Values{
		"secret":   {secret},
		"response": {token},
		"remoteip": {remoteAddr},
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, errors.Wrap(err, "build siteverify request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := r.client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "siteverify request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("siteverify returned %d", resp.StatusCode)
	}
	var out siteverifyResp
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return false, errors.Wrap(err, "decode siteverify response")
	}
	if !out.Success || out.Action != r.cfg.Action {
		return false, nil
	}
	return out.Score >= r.cfg.MinScore, nil
}
