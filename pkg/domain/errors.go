package domain

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrInvalidInput      = NewErr("INVALID_INPUT", "invalid input", http.StatusBadRequest)
	ErrNotFound          = NewErr("NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrOversize          = ErrInvalidInput.variant("RECORD_TOO_LARGE", "record exceeds maximum size")
	ErrCorruptRecord     = NewErr("CORRUPT_RECORD", "corrupt record", http.StatusInternalServerError)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnsupportedMedia  = NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)
	ErrBodyTooLarge      = NewErr("BODY_TOO_LARGE", "request body too large", http.StatusRequestEntityTooLarge)
	ErrStoreFull         = NewErr("STORE_FULL", "paste store is full", http.StatusInsufficientStorage)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string                 `json:"code"`
	Msg    string                 `json:"message"`
	Status int                    `json:"-"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
	parent *Err
}

func (e *Err) Error() string {
	if len(e.Meta) == 0 {
		return e.Msg
	}
	if id, ok := e.Meta["id"]; ok {
		return fmt.Sprintf("%s: id=%v", e.Msg, id)
	}
	if reason, ok := e.Meta["reason"]; ok {
		return fmt.Sprintf("%s: %v", e.Msg, reason)
	}
	return e.Msg
}

// Is matches on code so that copies carrying Meta still compare equal to
// the sentinel, and variants match their parent kind.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	for k := e; k != nil; k = k.parent {
		if k.Code == t.Code {
			return true
		}
	}
	return false
}

func (e *Err) With(key string, val interface{}) *Err {
	meta := make(map[string]interface{}, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = val
	return &Err{Code: e.Code, Msg: e.Msg, Status: e.Status, Meta: meta, parent: e.parent}
}

func (e *Err) variant(code, msg string) *Err {
	return &Err{Code: code, Msg: msg, Status: e.Status, parent: e}
}

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

func NotFound(id uint64) *Err {
	return ErrNotFound.With("id", id)
}

func InvalidInput(reason string) *Err {
	return ErrInvalidInput.With("reason", reason)
}

func Oversize(size, max int) *Err {
	return ErrOversize.With("reason", fmt.Sprintf("encoded size %d exceeds %d bytes", size, max))
}

func Corrupt(reason string) *Err {
	return ErrCorruptRecord.With("reason", reason)
}

type ErrResp struct {
	Error     ErrDetail `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg, Meta: e.Meta}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
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
