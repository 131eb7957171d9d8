package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"runtime"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var DefaultError = JsonError{
	Code: http.StatusInternalServerError,
	Err:  "internal server error",
}

// Router wraps chi.Router so handlers return errors instead of writing
// failure responses. Returned errors are matched against the registered
// mappers with errors.Is and rendered as JsonError.
type Router struct {
	chi.Router
	mappers  *[]errorMapping
	validate *validator.Validate
	logger   *slog.Logger
}

type errorMapping struct {
	target error
	fn     ErrorMapper
}

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithValidator sets the validator Bind checks request bodies with.
func WithValidator(v *validator.Validate) RouterOption {
	return func(r *Router) {
		r.validate = v
	}
}

func New(opts ...RouterOption) *Router {
	r := &Router{
		Router:   chi.NewRouter(),
		mappers:  &[]errorMapping{},
		validate: validator.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandlerFunc handles a request. A handler that fails must not write to w;
// the returned error is mapped to the response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// ErrorMapper turns a matched error into the response error.
type ErrorMapper func(error) Error

// RegisterErrorMapper maps errors matching target. Mappers are tried in
// registration order.
func (a *Router) RegisterErrorMapper(target error, fn ErrorMapper) {
	*a.mappers = append(*a.mappers, errorMapping{target: target, fn: fn})
}

// MapStatus renders errors matching target with code and the target's
// message, hiding whatever context was wrapped around it.
func (a *Router) MapStatus(target error, code int) {
	a.RegisterErrorMapper(target, func(error) Error {
		return NewJsonError(code, target.Error())
	})
}

func (a *Router) mapError(err error) Error {
	var apiErr JsonError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, m := range *a.mappers {
		if errors.Is(err, m.target) {
			return m.fn(err)
		}
	}
	return DefaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		resError := a.mapError(err)
		handlerFn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
		level := slog.LevelWarn
		if resError.StatusCode() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		a.logger.Log(r.Context(), level, err.Error(),
			slog.String("handler", handlerFn.Name()),
			slog.Int("status", resError.StatusCode()))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resError.StatusCode())
		if err := resError.Encode(w); err != nil {
			a.logger.Error(fmt.Sprintf("encode error response: %v", err))
		}
	}
}

// Bind decodes the JSON body into v and validates it.
func (a *Router) Bind(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewJsonError(http.StatusBadRequest, "invalid request body")
	}
	if err := a.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Errorf(http.StatusBadRequest, "invalid %s: failed on %s", verrs[0].Field(), verrs[0].Tag())
		}
		return NewJsonError(http.StatusBadRequest, "invalid input")
	}
	return nil
}

// WriteJson writes v as a JSON response with the given status code.
func WriteJson(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

// Route mounts a sub-router sharing the mappers, validator and logger.
func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		f(&Router{Router: r, mappers: a.mappers, validate: a.validate, logger: a.logger})
	})
}
