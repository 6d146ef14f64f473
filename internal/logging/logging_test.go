package logging

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", &buf)
	require.NoError(t, err)

	log.WithField("component", "test").Debug("hello")
	assert.Contains(t, buf.String(), "component=test")
	assert.Contains(t, buf.String(), "msg=hello")

	_, err = New("loud", &buf)
	assert.Error(t, err)
}

func TestRecover(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	log := logrus.NewEntry(logger)

	func() {
		defer Recover(log)
		panic("random error")
	}()

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "random error", entries[0].Message)
	assert.Equal(t, logrus.ErrorLevel, entries[0].Level)
	assert.True(t, strings.Contains(entries[1].Message, "runtime/debug.Stack"))
}

func TestMiddleware(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	log := logrus.NewEntry(logger)

	ok := Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rr := httptest.NewRecorder()
	ok.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/bridges", nil))
	assert.Equal(t, http.StatusCreated, rr.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, http.StatusCreated, hook.LastEntry().Data["status"])
	assert.Equal(t, "/api/v1/bridges", hook.LastEntry().Data["path"])

	boom := Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr = httptest.NewRecorder()
	boom.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"internal server error"}`, rr.Body.String())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
