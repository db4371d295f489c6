package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReadyzReportsFailingChecks(t *testing.T) {
	mux := NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "amqp", Check: func(context.Context) error { return errors.New("not connected") }},
	)

	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
	assert.Equal(t, "amqp: not connected", rw.Body.String())

	rw = httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rw.Code)
}

func TestReadyzOKWithoutChecks(t *testing.T) {
	rw := httptest.NewRecorder()
	NewBaseMuxWithReady().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rw.Code)
}

func TestShutdownRunsInOrder(t *testing.T) {
	var order []string
	step := func(name string, err error) Closer {
		return Closer{Name: name, Close: func(context.Context) error {
			order = append(order, name)
			return err
		}}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	Shutdown(logger, time.Second, step("http", nil), step("publisher", errors.New("boom")), Closer{Name: "nil"}, step("db", nil))
	assert.Equal(t, []string{"http", "publisher", "db"}, order)
}
