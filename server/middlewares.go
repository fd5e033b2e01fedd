package server

import (
	"net/http"
	"time"

	"github.com/aegisapp/aegis/colors"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(statusCode int) {
	rec.statusCode = statusCode
	rec.ResponseWriter.WriteHeader(statusCode)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		logg.Infof("%v %v %v %v",
			r.Method, r.URL.Path, statusText(rec.statusCode), time.Since(start))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(rw, r)
	})
}

func statusText(statusCode int) string {
	text := http.StatusText(statusCode)
	switch {
	case statusCode >= 500:
		return colors.Red(statusCode, " ", text)
	case statusCode >= 400:
		return colors.Yellow(statusCode, " ", text)
	default:
		return colors.Green(statusCode, " ", text)
	}
}
