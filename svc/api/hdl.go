package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"slugbin/cfg"
	"slugbin/pkg/domain"
	"slugbin/svc/lim"
	"slugbin/svc/svc"
	"slugbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// UTF-8 needs at most four bytes per code point; the slack covers the JSON
// envelope and escapes.
const bodyOverhead = 64 * 1024

var validate = validator.New()

type Hdl struct {
	paste   *svc.Paste
	cfg     *cfg.Cfg
	lim     *lim.Limiter
	hasher  *util.AddrHasher
	siteKey string
}

type CreateReq struct {
	Content        string `json:"content"`
	Language       string `json:"language" validate:"omitempty,max=64"`
	Expiration     string `json:"expiration" validate:"omitempty,max=16"`
	RecaptchaToken string `json:"recaptchaToken" validate:"omitempty,max=4096"`
}

type ForkReq struct {
	Expiration string `json:"expiration" validate:"omitempty,max=16"`
}

type CreateResp struct {
	Success bool   `json:"success"`
	Slug    string `json:"slug"`
	URL     string `json:"url"`
}

type ViewResp struct {
	Success bool               `json:"success"`
	Paste   *domain.ViewResult `json:"paste"`
}

type OptionsResp struct {
	Languages         []domain.Language   `json:"languages"`
	Expirations       []domain.Expiration `json:"expirations"`
	DefaultLanguage   string              `json:"defaultLanguage"`
	DefaultExpiration string              `json:"defaultExpiration"`
	MaxChars          int                 `json:"maxChars"`
	RecaptchaSiteKey  string              `json:"recaptchaSiteKey,omitempty"`
}

type PurgeResp struct {
	Success bool `json:"success"`
	Deleted int  `json:"deleted"`
}

type errBody struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// clientAddr returns the raw client IP and the form it is stored under.
func (h *Hdl) clientAddr(r *http.Request) (ip, addr string, err error) {
	ip = h.lim.ClientIP(r)
	addr, err = h.hasher.Hash(ip)
	return ip, addr, err
}

// decodeJSON reads an optional JSON object body into dst and validates it.
// An empty body leaves dst zeroed.
func (h *Hdl) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			return domain.ErrInvalidRequest.WithMsg("Expected Content-Type: application/json.")
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.paste.MaxChars())*4+bodyOverhead)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.ErrInvalidContent.WithMsg("Request body too large.").Wrap(err)
		}
		return domain.ErrInvalidRequest.WithMsg("Malformed JSON body.").Wrap(err)
	}
	if err := validate.Struct(dst); err != nil {
		return domain.ErrInvalidRequest.WithMsg("Invalid request fields.").Wrap(err)
	}
	return nil
}

func (h *Hdl) pasteURL(slug string) string {
	return strings.TrimRight(h.cfg.AppBaseURL, "/") + "/" + slug
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	ip, addr, err := h.clientAddr(r)
	if err != nil {
		log.Error().Err(err).Str("ip", util.RedactIP(ip)).Msg("failed to hash client address")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	paste, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:           req.Content,
		Language:          req.Language,
		Expiration:        req.Expiration,
		CreatorAddr:       addr,
		RemoteIP:          ip,
		VerificationToken: req.RecaptchaToken,
	})
	if err != nil {
		log.Warn().Err(err).Str("ip", util.RedactIP(ip)).Msg("create failed")
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResp{Success: true, Slug: paste.Slug, URL: h.pasteURL(paste.Slug)})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	ip, addr, err := h.clientAddr(r)
	if err != nil {
		log.Error().Err(err).Str("ip", util.RedactIP(ip)).Msg("failed to hash client address")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	view, err := h.paste.View(r.Context(), slug, addr)
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("view failed")
		writeErr(w, err, requestID)
		return
	}
	if view == nil {
		writeErr(w, domain.ErrNotFound, requestID)
		return
	}
	writeJSON(w, http.StatusOK, ViewResp{Success: true, Paste: view})
}

func (h *Hdl) ForkPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	var req ForkReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		log.Warn().Err(err).Msg("invalid fork request")
		writeErr(w, err, requestID)
		return
	}
	ip, addr, err := h.clientAddr(r)
	if err != nil {
		log.Error().Err(err).Str("ip", util.RedactIP(ip)).Msg("failed to hash client address")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	forked, err := h.paste.Fork(r.Context(), slug, addr, req.Expiration)
	if err != nil {
		log.Warn().Err(err).Str("slug", slug).Msg("fork failed")
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResp{Success: true, Slug: forked.Slug, URL: h.pasteURL(forked.Slug)})
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	ip, addr, err := h.clientAddr(r)
	if err != nil {
		log.Error().Err(err).Str("ip", util.RedactIP(ip)).Msg("failed to hash client address")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	ok, err := h.paste.Delete(r.Context(), slug, addr)
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	if !ok {
		log.Warn().Str("slug", slug).Str("ip", util.RedactIP(ip)).Msg("delete refused")
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Hdl) GetOptions(w http.ResponseWriter, r *http.Request) {
	opts := h.paste.Options()
	writeJSON(w, http.StatusOK, OptionsResp{
		Languages:         opts.Languages(),
		Expirations:       opts.Expirations(),
		DefaultLanguage:   opts.DefaultLanguage(),
		DefaultExpiration: opts.DefaultExpiration(),
		MaxChars:          h.paste.MaxChars(),
		RecaptchaSiteKey:  h.siteKey,
	})
}

// Purge runs one garbage collection pass. The route does not exist unless an
// admin token is configured.
func (h *Hdl) Purge(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if h.cfg.AdminToken.Empty() {
		writeErr(w, domain.ErrRouteNotFound, requestID)
		return
	}
	token := r.Header.Get("X-Admin-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken.Value())) != 1 {
		log.Warn().Str("ip", util.RedactIP(h.lim.ClientIP(r))).Msg("bad admin token")
		writeErr(w, domain.ErrAdminUnauthorized, requestID)
		return
	}
	n, err := h.paste.PurgeExpired(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("manual purge failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().Int("deleted", n).Msg("manual purge completed")
	writeJSON(w, http.StatusOK, PurgeResp{Success: true, Deleted: n})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Warn().Err(err).Msg("failed to write response")
	}
}

// writeErr renders err as {success:false, message, code}. Unclassified
// errors become a generic 500 so internals never reach the client.
func writeErr(w http.ResponseWriter, err error, requestID string) {
	status := domain.HTTPStatus(err)
	detail := domain.ToResp(err).Error
	if status >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("request failed with server error")
	}
	writeJSON(w, status, errBody{
		Success:   false,
		Message:   detail.Msg,
		Code:      detail.Code,
		RequestID: requestID,
	})
}
