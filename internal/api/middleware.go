package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coda-helper/go-backend/internal/platform/idgen"
)

const requestIDHeader = "X-Request-ID"

// statusRecorder captures what the access log and metrics need.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	route  string
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// route tags the request with a stable metrics label.
func (s *Server) route(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rec, ok := w.(*statusRecorder); ok {
			rec.route = name
		}
		next(w, r)
	}
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := idgen.RequestID(r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, reqID)

		rec := &statusRecorder{ResponseWriter: w, route: "other"}
		if applyCORS(rec, r) {
			rec.route = "preflight"
			rec.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(rec, r)
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(rec.route, rec.status, elapsed)
		s.logAccess(r, rec, elapsed, reqID)
	})
}

// applyCORS sets permissive CORS headers and reports whether r is a
// preflight that is fully answered by them.
func applyCORS(w http.ResponseWriter, r *http.Request) bool {
	h := w.Header()
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" {
		// Credentialed requests need the concrete origin echoed back.
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
	} else {
		h.Set("Access-Control-Allow-Origin", "*")
	}

	preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
	if !preflight {
		return r.Method == http.MethodOptions
	}
	h.Set("Access-Control-Allow-Methods", "DELETE, GET, HEAD, OPTIONS, PATCH, POST, PUT")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	h.Set("Access-Control-Max-Age", "600")
	return true
}

func (s *Server) logAccess(r *http.Request, rec *statusRecorder, elapsed time.Duration, reqID string) {
	contentLength := "-"
	if rec.bytes > 0 {
		contentLength = strconv.Itoa(rec.bytes)
	}
	s.accessLog.Info(r.Method+" "+r.URL.RequestURI()+" "+r.Proto,
		"remote_addr", remoteHost(r.RemoteAddr),
		"status_code", rec.status,
		"content_length", contentLength,
		"referer", headerOrDash(r, "Referer"),
		"user_agent", headerOrDash(r, "User-Agent"),
		"x_forwarded_for", headerOrDash(r, "X-Forwarded-For"),
		"request_time", strconv.FormatFloat(elapsed.Seconds(), 'f', 3, 64),
		"request_id", reqID,
	)
}

func headerOrDash(r *http.Request, name string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	return "-"
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
