package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Error is an error that knows how to render itself as a response.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is the body of every failed response, e.g.
// {"code":404,"error":"room not found"}.
type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, msg string) JsonError {
	return JsonError{Code: code, Err: msg}
}

// Errorf is NewJsonError with a formatted message.
func Errorf(code int, format string, args ...any) JsonError {
	return NewJsonError(code, fmt.Sprintf(format, args...))
}

// StatusCode falls back to 500 for a zero code.
func (e JsonError) StatusCode() int {
	if e.Code == 0 {
		return http.StatusInternalServerError
	}
	return e.Code
}

func (e JsonError) Error() string { return e.Err }

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
