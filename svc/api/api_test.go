package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slugbin/cfg"
	"slugbin/pkg/domain"
	"slugbin/svc/db"
	"slugbin/svc/lim"
	"slugbin/svc/svc"
	"slugbin/svc/util"
	"slugbin/svc/verify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	ok bool
}

func (s stubVerifier) Enabled() bool { return true }
func (s stubVerifier) Verify(ctx context.Context, token, remoteAddr string) (bool, error) {
	return s.ok && token == "good", nil
}

type downPinger struct{}

func (downPinger) Ping(ctx context.Context) error { return errors.New("unreachable") }

type testEnv struct {
	srv   *Server
	store *db.SQLite
	cfg   *cfg.Cfg
}

const testMaxChars = 20

func newEnv(t *testing.T, v verify.Verifier, hasher *util.AddrHasher) *testEnv {
	t.Helper()
	return newEnvWithLimit(t, v, hasher, testMaxChars)
}

func newEnvWithLimit(t *testing.T, v verify.Verifier, hasher *util.AddrHasher, maxChars int) *testEnv {
	t.Helper()
	store, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "api.db"), db.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := &cfg.Cfg{
		Port:               "0",
		Environment:        "test",
		AppBaseURL:         "https://paste.example/",
		ContextTimeout:     5 * time.Second,
		MaxConcurrentWrite: 8,
		AdminToken:         cfg.NewSecret("s3cret-admin"),
		AllowedOrigins:     []string{"https://app.example"},
	}
	l, err := lim.New(1000, 1000, 1000, nil, nil)
	require.NoError(t, err)
	t.Cleanup(l.Stop)

	p := svc.NewPaste(store, domain.DefaultOptions(), v, maxChars)
	return &testEnv{
		srv: NewServer(Deps{
			Cfg:     c,
			Paste:   p,
			Limiter: l,
			Hasher:  hasher,
			DB:      store,
			SiteKey: "site-key",
		}),
		store: store,
		cfg:   c,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body, remote string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if remote != "" {
		req.RemoteAddr = remote + ":40000"
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func createPaste(t *testing.T, e *testEnv, body, remote string) string {
	t.Helper()
	rec, out := e.do(t, http.MethodPost, "/api/pastes", body, remote)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return out["slug"].(string)
}

func TestCreateAndView(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, out := e.do(t, http.MethodPost, "/api/pastes", `{"content":"hello","language":"plaintext","expiration":"1d"}`, "1.2.3.4")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, out["success"])
	slug := out["slug"].(string)
	assert.True(t, util.IsSlug(slug))
	assert.Equal(t, "https://paste.example/"+slug, out["url"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, out = e.do(t, http.MethodGet, "/api/pastes/"+slug, "", "9.9.9.9")
	require.Equal(t, http.StatusOK, rec.Code)
	paste := out["paste"].(map[string]interface{})
	assert.Equal(t, "hello", paste["content"])
	assert.Equal(t, "plaintext", paste["language"])
	assert.Equal(t, float64(1), paste["visitCount"])
	assert.Equal(t, false, paste["canDelete"])
	assert.NotContains(t, paste, "creatorAddr")

	_, out = e.do(t, http.MethodGet, "/api/pastes/"+slug, "", "9.9.9.9")
	assert.Equal(t, float64(1), out["paste"].(map[string]interface{})["visitCount"])

	_, out = e.do(t, http.MethodGet, "/api/pastes/"+slug, "", "1.2.3.4")
	paste = out["paste"].(map[string]interface{})
	assert.Equal(t, float64(2), paste["visitCount"])
	assert.Equal(t, true, paste["canDelete"])
}

func TestCreateRejections(t *testing.T) {
	e := newEnv(t, nil, nil)
	tests := []struct {
		name   string
		body   string
		status int
		msg    string
	}{
		{"blank", `{"content":"   "}`, http.StatusUnprocessableEntity, "Paste content is required."},
		{"missing", `{}`, http.StatusUnprocessableEntity, "Paste content is required."},
		{"too long", `{"content":"` + strings.Repeat("x", 21) + `"}`, http.StatusUnprocessableEntity, "Paste content exceeds 20 characters."},
		{"malformed", `{"content":`, http.StatusBadRequest, "Malformed JSON body."},
		{"oversized field", `{"content":"x","expiration":"` + strings.Repeat("9", 40) + `"}`, http.StatusBadRequest, "Invalid request fields."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := e.do(t, http.MethodPost, "/api/pastes", tt.body, "1.2.3.4")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, out["success"])
			assert.Equal(t, tt.msg, out["message"])
		})
	}
	var n int
	require.NoError(t, e.store.DB().QueryRow(`SELECT COUNT(*) FROM pastes`).Scan(&n))
	assert.Zero(t, n)
}

func TestCreateWrongContentType(t *testing.T) {
	e := newEnv(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/pastes", strings.NewReader("content=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateVerification(t *testing.T) {
	e := newEnv(t, stubVerifier{ok: true}, nil)
	rec, out := e.do(t, http.MethodPost, "/api/pastes", `{"content":"hi","recaptchaToken":"bad"}`, "1.2.3.4")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "reCAPTCHA validation failed.", out["message"])

	rec, _ = e.do(t, http.MethodPost, "/api/pastes", `{"content":"hi","recaptchaToken":"good"}`, "1.2.3.4")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestViewMissing(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, out := e.do(t, http.MethodGet, "/api/pastes/abcdef0123", "", "1.2.3.4")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Paste not found or expired.", out["message"])

	rec, _ = e.do(t, http.MethodGet, "/api/pastes/NOT-HEX", "", "1.2.3.4")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDelete(t *testing.T) {
	e := newEnv(t, nil, nil)
	slug := createPaste(t, e, `{"content":"bye"}`, "10.0.0.2")

	rec, out := e.do(t, http.MethodDelete, "/api/pastes/"+slug, "", "10.0.0.1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Unable to delete this paste.", out["message"])

	rec, out = e.do(t, http.MethodDelete, "/api/pastes/"+slug, "", "10.0.0.2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])

	rec, _ = e.do(t, http.MethodGet, "/api/pastes/"+slug, "", "10.0.0.2")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, http.MethodDelete, "/api/pastes/"+slug, "", "10.0.0.2")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteWithHashedAddresses(t *testing.T) {
	hasher, err := util.NewAddrHasher([]byte(strings.Repeat("p", 32)))
	require.NoError(t, err)
	e := newEnv(t, nil, hasher)
	slug := createPaste(t, e, `{"content":"bye"}`, "10.0.0.2")

	row, err := e.store.FindBySlug(context.Background(), slug)
	require.NoError(t, err)
	assert.NotEqual(t, "10.0.0.2", row.CreatorAddr, "addresses are stored pseudonymised")

	rec, _ := e.do(t, http.MethodDelete, "/api/pastes/"+slug, "", "10.0.0.2")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFork(t *testing.T) {
	e := newEnv(t, nil, nil)
	src := createPaste(t, e, `{"content":"orig","language":"go"}`, "1.1.1.1")

	rec, out := e.do(t, http.MethodPost, "/api/pastes/"+src+"/fork", `{"expiration":"1w"}`, "2.2.2.2")
	require.Equal(t, http.StatusCreated, rec.Code)
	forked := out["slug"].(string)
	assert.NotEqual(t, src, forked)

	_, out = e.do(t, http.MethodGet, "/api/pastes/"+forked, "", "2.2.2.2")
	paste := out["paste"].(map[string]interface{})
	assert.Equal(t, "orig", paste["content"])
	assert.Equal(t, "go", paste["language"])
	assert.Equal(t, true, paste["canDelete"])

	rec, _ = e.do(t, http.MethodPost, "/api/pastes/"+src+"/fork", "", "3.3.3.3")
	assert.Equal(t, http.StatusCreated, rec.Code, "body is optional")

	rec, out = e.do(t, http.MethodPost, "/api/pastes/abcdef0123/fork", "", "3.3.3.3")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Paste not found for fork.", out["message"])
}

func TestOptions(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, out := e.do(t, http.MethodGet, "/api/options", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1d", out["defaultExpiration"])
	assert.Equal(t, float64(20), out["maxChars"])
	assert.Equal(t, "site-key", out["recaptchaSiteKey"])
	assert.NotEmpty(t, out["languages"])
	exps := out["expirations"].([]interface{})
	first := exps[0].(map[string]interface{})
	assert.Equal(t, "10m", first["code"])
	assert.Equal(t, float64(600), first["seconds"])
}

func TestPurgeEndpoint(t *testing.T) {
	e := newEnv(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/gc", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/gc", nil)
	req.Header.Set("X-Admin-Token", "s3cret-admin")
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"deleted":0}`, rec.Body.String())

	e.cfg.AdminToken = cfg.Secret{}
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, out := e.do(t, http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Endpoint not found.", out["message"])
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, nil, nil)
	l, err := lim.New(1, 1, 1, nil, nil)
	require.NoError(t, err)
	defer l.Stop()
	e.srv = NewServer(Deps{Cfg: e.cfg, Paste: svc.NewPaste(e.store, domain.DefaultOptions(), nil, 20), Limiter: l, DB: e.store})

	rec, _ := e.do(t, http.MethodGet, "/api/options", "", "5.5.5.5")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, out := e.do(t, http.MethodGet, "/api/options", "", "5.5.5.5")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", out["code"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCORS(t *testing.T) {
	e := newEnv(t, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/pastes", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t, nil, nil)
	rec, out := e.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])

	rec, out = e.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unavailable", out["cache"])

	e.srv.rdb = downPinger{}
	rec, out = e.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["degraded"])

	e.srv.db = downPinger{}
	rec, out = e.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", out["database"])
}

func TestMetricsBasicAuth(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.cfg.MetricsUser = "prom"
	e.cfg.MetricsPass = cfg.NewSecret("scrape")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.SetBasicAuth("prom", "scrape")
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHostilePayloadsStoredVerbatim(t *testing.T) {
	e := newEnvWithLimit(t, nil, nil, 1000)
	payloads := []string{
		"'; DROP TABLE pastes; --",
		"' OR '1'='1",
		"<script>alert('xss')</script>",
		"1' AND SLEEP(5)--",
	}
	for _, payload := range payloads {
		body, err := json.Marshal(map[string]string{"content": payload})
		require.NoError(t, err)
		slug := createPaste(t, e, string(body), "4.4.4.4")

		rec, out := e.do(t, http.MethodGet, "/api/pastes/"+slug, "", "4.4.4.4")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, payload, out["paste"].(map[string]interface{})["content"])
	}
	rec, _ := e.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
