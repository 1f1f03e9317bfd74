package server

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gymdock/gymdock/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// logRequests wraps every route with a structured access line and the
// request counter. httpsnoop captures status and size without hiding the
// writer's optional interfaces from the handler.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(m.Code)).Inc()
		s.Log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      m.Code,
			"duration_ms": m.Duration.Milliseconds(),
			"bytes":       m.Written,
		}).Debug("Request handled")
	})
}
