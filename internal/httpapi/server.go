// Package httpapi serves the request/response side of chat over JSON: the
// message history and mutation endpoints, attachment upload and download,
// liveness and metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/soulchat/chat-server/internal/history"
	"github.com/soulchat/chat-server/internal/metrics"
	"github.com/soulchat/chat-server/internal/ratelimit"
	"github.com/soulchat/chat-server/internal/upload"
)

const maxJSONBody = 64 << 10

// Config holds HTTP API settings.
type Config struct {
	CORSOrigin string // Access-Control-Allow-Origin value; empty disables CORS headers
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{CORSOrigin: "*"}
}

// Server holds the API's collaborators. uploads and limiter may be nil.
type Server struct {
	config  Config
	history *history.Service
	uploads *upload.Store
	limiter *ratelimit.Limiter
}

// NewServer creates a Server.
func NewServer(config Config, svc *history.Service, uploads *upload.Store, limiter *ratelimit.Limiter) *Server {
	return &Server{config: config, history: svc, uploads: uploads, limiter: limiter}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.corsMiddleware, metricsMiddleware)

	// A method matcher here would turn every unknown path into a 405.
	r.MatcherFunc(isPreflight).HandlerFunc(handlePreflight)
	r.HandleFunc("/ping", handlePing).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	m := r.PathPrefix("/api/messages").Subrouter()
	for path, h := range map[string]http.HandlerFunc{
		"/addmsg":    s.handleAddMessage,
		"/getmsg":    s.handleGetMessages,
		"/markseen":  s.handleMarkSeen,
		"/deletemsg": s.handleDeleteMessage,
		"/reactmsg":  s.handleReactMessage,
	} {
		m.HandleFunc(path, h).Methods(http.MethodPost)
		m.HandleFunc(path+"/", h).Methods(http.MethodPost)
	}

	if s.uploads != nil {
		r.HandleFunc("/api/upload", s.handleUpload).Methods(http.MethodPost)
		r.HandleFunc("/api/upload/", s.handleUpload).Methods(http.MethodPost)
		r.HandleFunc("/api/upload/{filename}", s.handleServeUpload).Methods(http.MethodGet)
		r.HandleFunc(upload.URLPrefix+"{filename}", s.handleServeUpload).Methods(http.MethodGet)
	}

	// mux skips Use middleware for unmatched requests.
	r.NotFoundHandler = s.chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"msg": "Not found"})
	}))
	r.MethodNotAllowedHandler = s.chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"msg": "Method not allowed"})
	}))
	return r
}

func (s *Server) chain(h http.Handler) http.Handler {
	return s.recoverMiddleware(s.corsMiddleware(metricsMiddleware(h)))
}

func handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "Ping Successful"})
}

func isPreflight(r *http.Request, _ *mux.RouteMatch) bool {
	return r.Method == http.MethodOptions
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[httpapi] panic %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeInternal(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.CORSOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", s.config.CORSOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
		}
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.RequestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeRateLimited answers 429 with a Retry-After header covering the rest
// of the identifier's window.
func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request, identifier string, rule ratelimit.Rule, payload any) {
	wait := s.limiter.ResetIn(r.Context(), identifier, rule)
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, payload)
}

func writeInternal(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Something went wrong!"})
}

// writeServiceError maps history errors to responses. Client errors carry
// their message under "msg"; anything else is logged and reported
// generically.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var he *history.Error
	if errors.As(err, &he) && he.Code != history.CodeInternal {
		writeJSON(w, he.Status, map[string]string{"msg": he.Message})
		return
	}
	log.Printf("[httpapi] %s %s: %v", r.Method, r.URL.Path, err)
	writeInternal(w)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "Invalid request body"})
		return false
	}
	return true
}
