package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	errGone    = errors.New("gone")
	errTeapot  = errors.New("teapot")
	errUnknown = errors.New("random error")
)

func Test_MapError(t *testing.T) {
	router := New(WithLogger(testLogger))
	router.MapStatus(errGone, http.StatusNotFound)
	router.RegisterErrorMapper(errTeapot, func(err error) Error {
		return NewJsonError(http.StatusTeapot, err.Error())
	})

	tcs := []struct {
		name string
		err  error
		exp  Error
	}{
		{name: "status", err: errGone, exp: NewJsonError(http.StatusNotFound, "gone")},
		{name: "wrapped status hides context", err: fmt.Errorf("room r1: %w", errGone), exp: NewJsonError(http.StatusNotFound, "gone")},
		{name: "mapper sees full error", err: fmt.Errorf("brew: %w", errTeapot), exp: NewJsonError(http.StatusTeapot, "brew: teapot")},
		{name: "unmapped", err: errUnknown, exp: DefaultError},
		{name: "api error", err: NewJsonError(http.StatusBadRequest, "API Error"), exp: NewJsonError(http.StatusBadRequest, "API Error")},
		{name: "wrapped api error", err: fmt.Errorf("bind: %w", NewJsonError(http.StatusBadRequest, "bad")), exp: NewJsonError(http.StatusBadRequest, "bad")},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, router.mapError(tc.err))
		})
	}
}

func Test_JsonErrorStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusConflict, Errorf(http.StatusConflict, "room %s exists", "lobby").StatusCode())
	assert.Equal(t, "room lobby exists", Errorf(http.StatusConflict, "room %s exists", "lobby").Error())
	assert.Equal(t, http.StatusInternalServerError, JsonError{Err: "no code"}.StatusCode())
}

type payload struct {
	Name string `json:"name" validate:"required"`
}

func newTestRouter() *Router {
	router := New(WithLogger(testLogger))
	router.MapStatus(errGone, http.StatusNotFound)
	router.Route("/api", func(r *Router) {
		r.Get("/gone", func(w http.ResponseWriter, _ *http.Request) error {
			return errGone
		})
		r.Post("/echo", func(w http.ResponseWriter, req *http.Request) error {
			var p payload
			if err := r.Bind(req, &p); err != nil {
				return err
			}
			return WriteJson(w, http.StatusCreated, p)
		})
	})
	return router
}

func serve(router *Router, method, target, body string) *httptest.ResponseRecorder {
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(method, target, strings.NewReader(body)))
	return res
}

func Test_RouteSharesErrorMappers(t *testing.T) {
	res := serve(newTestRouter(), http.MethodGet, "/api/gone", "")

	require.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "application/json", res.Header().Get("Content-Type"))
	var body JsonError
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, NewJsonError(http.StatusNotFound, "gone"), body)
}

func Test_Bind(t *testing.T) {
	router := newTestRouter()

	res := serve(router, http.MethodPost, "/api/echo", `{"name":"lobby"}`)
	require.Equal(t, http.StatusCreated, res.Code)
	var p payload
	require.NoError(t, json.NewDecoder(res.Body).Decode(&p))
	assert.Equal(t, "lobby", p.Name)

	tcs := []struct {
		body string
		exp  string
	}{
		{body: `{`, exp: "invalid request body"},
		{body: `{}`, exp: "invalid Name: failed on required"},
	}
	for _, tc := range tcs {
		res := serve(router, http.MethodPost, "/api/echo", tc.body)
		require.Equal(t, http.StatusBadRequest, res.Code)
		var body JsonError
		require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
		assert.Equal(t, tc.exp, body.Err)
	}
}
