package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrNameRequired       = NewErr("NAME_REQUIRED", "name required", http.StatusBadRequest)
	ErrInvalidName        = NewErr("INVALID_NAME", "invalid name", http.StatusBadRequest)
	ErrInvalidExtension   = NewErr("INVALID_EXTENSION", "unsupported file extension", http.StatusBadRequest)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrInvalidEncoding    = NewErr("INVALID_ENCODING", "content is not valid base64", http.StatusBadRequest)
	ErrInvalidVisibility  = NewErr("INVALID_VISIBILITY", "visibility must be public or private", http.StatusBadRequest)
	ErrSecretRequired     = NewErr("SECRET_REQUIRED", "private pastes require a secret", http.StatusBadRequest)
	ErrSecretTooLong      = NewErr("SECRET_TOO_LONG", "secret too long", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrCredentialRequired = NewErr("CREDENTIAL_REQUIRED", "secret required", http.StatusUnauthorized)
	ErrAccessDenied       = NewErr("ACCESS_DENIED", "access denied", http.StatusForbidden)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrSandboxBusy        = NewErr("SANDBOX_BUSY", "execution capacity exhausted, retry later", http.StatusServiceUnavailable)
	ErrUnavailable        = NewErr("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

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

func asErr(err error) (*Err, bool) {
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsValidation reports whether err is a client input error.
func IsValidation(err error) bool {
	e, ok := asErr(err)
	return ok && e.Status == http.StatusBadRequest
}
