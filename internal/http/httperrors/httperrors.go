// Package httperrors define la estructura estándar de errores HTTP del
// gateway y su serialización.
package httperrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AppError es el error con status y código estable que cruza la capa HTTP.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // causa original, sólo para logs
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func New(status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// WithDetail devuelve una COPIA con detalle extra, para no mutar los
// errores base compartidos.
func (e *AppError) WithDetail(detail string) *AppError {
	out := *e
	out.Detail = detail
	return &out
}

// WithCause devuelve una COPIA con la causa adjunta.
func (e *AppError) WithCause(err error) *AppError {
	out := *e
	out.Err = err
	return &out
}

// FromError convierte cualquier error en AppError; lo desconocido es 500.
func FromError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return ErrInternal.WithCause(err)
}

// WriteError serializa el error como JSON con su status.
func WriteError(w http.ResponseWriter, err error) {
	appErr := FromError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	}{appErr.Code, appErr.Message, appErr.Detail})
}

// Errores predefinidos.
var (
	ErrBadState = &AppError{
		Code:       "bad_state",
		Message:    "the state parameter is malformed or expired",
		HTTPStatus: http.StatusBadRequest,
	}
	ErrMissingParameter = &AppError{
		Code:       "missing_parameter",
		Message:    "a required parameter is missing",
		HTTPStatus: http.StatusBadRequest,
	}
	ErrUnauthorized = &AppError{
		Code:       "unauthorized",
		Message:    "missing or invalid session",
		HTTPStatus: http.StatusUnauthorized,
	}
	ErrInternal = &AppError{
		Code:       "internal_error",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)
