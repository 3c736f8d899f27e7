package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrInvalidContent     = NewErr("INVALID_CONTENT", "invalid content", http.StatusUnprocessableEntity)
	ErrSlugExhausted      = NewErr("SLUG_EXHAUSTED", "failed to generate a unique slug", http.StatusInternalServerError)
	ErrDuplicateSlug      = NewErr("DUPLICATE_SLUG", "slug already exists", http.StatusConflict)
	ErrNotFound           = NewErr("PASTE_NOT_FOUND", "Paste not found or expired.", http.StatusNotFound)
	ErrStorageUnavailable = NewErr("STORAGE_UNAVAILABLE", "storage unavailable", http.StatusServiceUnavailable)
	ErrUnauthorized       = NewErr("FORBIDDEN", "Unable to delete this paste.", http.StatusForbidden)
	ErrVerificationFailed = NewErr("VERIFICATION_FAILED", "reCAPTCHA validation failed.", http.StatusForbidden)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrShuttingDown       = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrRouteNotFound      = NewErr("NOT_FOUND", "Endpoint not found.", http.StatusNotFound)
	ErrAdminUnauthorized  = NewErr("UNAUTHORIZED", "Invalid admin token.", http.StatusUnauthorized)
)

// Err is a coded error. Two Errs match under errors.Is when their codes are
// equal, so a sentinel with a more specific message or a wrapped cause still
// matches the sentinel it was derived from.
type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
	cause  error
}

func (e *Err) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}
func (e *Err) Unwrap() error { return e.cause }
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	return ok && t.Code == e.Code
}

// WithMsg returns a copy of e carrying msg as its user-facing message.
func (e *Err) WithMsg(msg string) *Err {
	c := *e
	c.Msg = msg
	return &c
}

// Wrap returns a copy of e with cause attached for logging.
func (e *Err) Wrap(cause error) *Err {
	c := *e
	c.cause = cause
	return &c
}

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	var e *Err
	if errors.As(err, &e) {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

// HTTPStatus maps err to a response status; unclassified errors are 500.
func HTTPStatus(err error) int {
	var e *Err
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
