// Package api serves the bridge's HTTP surface: the latest matrix, decoder
// counters, build info, and the live event WebSocket.
package api

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/braille.touch/internal/broadcast"
	"github.com/banshee-data/braille.touch/internal/httputil"
	"github.com/banshee-data/braille.touch/internal/pipeline"
	"github.com/banshee-data/braille.touch/internal/protocol"
	"github.com/banshee-data/braille.touch/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Source is the pipeline state the API reports on.
type Source interface {
	LatestMatrix() (protocol.Matrix, time.Time, bool)
	Stats() pipeline.Stats
}

type Server struct {
	src Source
	hub *broadcast.Hub
}

func NewServer(src Source, hub *broadcast.Hub) *Server {
	return &Server{src: src, hub: hub}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the WebSocket upgrade pass through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 100 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/matrix", s.showMatrix)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/ws", s.hub.ServeWS)
	return mux
}

type matrixResponse struct {
	Rows      int             `json:"rows"`
	Cols      int             `json:"cols"`
	Mat       protocol.Matrix `json:"mat"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *Server) showMatrix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	m, at, ok := s.src.LatestMatrix()
	if !ok {
		httputil.NotFound(w, "no matrix received yet")
		return
	}
	cols := 0
	if len(m) > 0 {
		cols = len(m[0])
	}
	httputil.WriteJSONOK(w, matrixResponse{
		Rows:      len(m),
		Cols:      cols,
		Mat:       m,
		UpdatedAt: at.UTC(),
	})
}

type statsResponse struct {
	Pipeline pipeline.Stats `json:"pipeline"`
	Clients  int            `json:"clients"`
	Skipped  uint64         `json:"skipped"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, statsResponse{
		Pipeline: s.src.Stats(),
		Clients:  s.hub.ClientCount(),
		Skipped:  s.hub.Skipped(),
	})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
