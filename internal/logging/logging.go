package logging

import (
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// New returns the root log entry writing text with full timestamps to out.
func New(level string, out io.Writer) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return logrus.NewEntry(logger), nil
}

// Recover logs a panic and its stack instead of crashing. Use it as
// `defer logging.Recover(log)` at the top of long-running goroutines.
func Recover(log *logrus.Entry) {
	if e := recover(); e != nil {
		log.Error(e)
		log.Info(string(debug.Stack()))
	}
}

// Middleware logs one line per request and turns handler panics into a 500.
func Middleware(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			entry := log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
			})

			defer func() {
				if e := recover(); e != nil {
					entry.Errorf("panic: %#v\n%s", e, string(debug.Stack()))
					if ww.Status() == 0 {
						ww.Header().Set("Content-Type", "application/json")
						ww.WriteHeader(http.StatusInternalServerError)
						_, _ = io.WriteString(ww, `{"error":"internal server error"}`+"\n")
					}
				}

				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				entry = entry.WithFields(logrus.Fields{
					"status":   status,
					"bytes":    ww.BytesWritten(),
					"duration": time.Since(start).String(),
				})
				if status >= http.StatusInternalServerError {
					entry.Warn("request failed")
					return
				}
				entry.Debug("request served")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
