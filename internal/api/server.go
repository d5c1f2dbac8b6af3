// Package api serves the control and stats REST API over HTTPS and HTTP/3.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/sprd/internal/certs"
	"github.com/zsiec/sprd/internal/ingest"
	srtingest "github.com/zsiec/sprd/internal/ingest/srt"
	"github.com/zsiec/sprd/internal/stream"
)

const shutdownTimeout = 5 * time.Second

// IngestLookup resolves a stream key to its connection stats.
type IngestLookup func(key string) (ingest.Stats, bool)

// SRTPullFunc starts an SRT caller-mode pull.
type SRTPullFunc func(req srtingest.PullRequest) error

// SRTStopFunc stops an active pull by stream key.
type SRTStopFunc func(streamKey string) error

// SRTListFunc returns all active pulls.
type SRTListFunc func() []srtingest.PullRequest

// Config holds the API listen address, certificate and the hooks into the
// rest of the daemon.
type Config struct {
	Addr     string
	Cert     *certs.CertInfo
	Sessions *stream.Manager
	Ingest   IngestLookup
	SRTPull  SRTPullFunc
	SRTStop  SRTStopFunc
	SRTList  SRTListFunc
}

// StreamDetail is the response of GET /api/streams/{key}.
type StreamDetail struct {
	stream.Info
	Ingest *ingest.Stats `json:"ingest,omitempty"`
}

type pathDelayRequest struct {
	DelayUs int64 `json:"delayUs"`
}

type certHashResponse struct {
	Hash     string `json:"hash"`
	Addr     string `json:"addr"`
	NotAfter string `json:"notAfter"`
}

// Server is the control API.
type Server struct {
	config Config
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer validates config and returns a Server. If log is nil,
// slog.Default() is used.
func NewServer(config Config, log *slog.Logger) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if config.Sessions == nil {
		return nil, errors.New("api: Sessions is required")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{config: config, log: log.With("component", "api")}
	s.h3 = &http3.Server{
		Addr:      config.Addr,
		TLSConfig: http3.ConfigureTLSConfig(config.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	s.h3.Handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}", s.handleStream)
	mux.HandleFunc("POST /api/streams/{key}/resync", s.handleResync)
	mux.HandleFunc("PUT /api/streams/{key}/path-delay", s.handlePathDelay)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	return corsMiddleware(mux)
}

// Handler returns the API handler for the HTTPS listener. Responses
// advertise the HTTP/3 endpoint.
func (s *Server) Handler() http.Handler {
	next := s.routes()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			s.log.Debug("alt-svc header", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves HTTPS on TCP and HTTP/3 on UDP at the configured address
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	tcp := &http.Server{
		Addr:      s.config.Addr,
		Handler:   s.Handler(),
		TLSConfig: s.config.Cert.TLSConfig(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTPS API listening", "addr", s.config.Addr)
		if err := tcp.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPS API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("HTTP/3 API listening", "addr", s.config.Addr)
		err := s.h3.ListenAndServe()
		if gctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("HTTP/3 API: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		h3Err := s.h3.Close()
		return errors.Join(tcp.Shutdown(shutdownCtx), h3Err)
	})
	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	sessions := s.config.Sessions.List()
	resp := make([]stream.Info, len(sessions))
	for i, sess := range sessions {
		resp[i] = sess.Info()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sess, ok := s.config.Sessions.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	detail := StreamDetail{Info: sess.Info()}
	if s.config.Ingest != nil {
		if st, ok := s.config.Ingest(key); ok {
			detail.Ingest = &st
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// renderer resolves the running pipeline of the {key} path value, writing
// the error response itself when there is none.
func (s *Server) renderer(w http.ResponseWriter, r *http.Request) (stream.Renderer, bool) {
	sess, ok := s.config.Sessions.Get(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return nil, false
	}
	rend, err := sess.Renderer()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return nil, false
	}
	return rend, true
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	rend, ok := s.renderer(w, r)
	if !ok {
		return
	}
	rend.RequestResync()
	s.log.Info("resync requested", "key", r.PathValue("key"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resync requested"})
}

func (s *Server) handlePathDelay(w http.ResponseWriter, r *http.Request) {
	var req pathDelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DelayUs < 0 {
		writeError(w, http.StatusBadRequest, "delayUs must not be negative")
		return
	}
	rend, ok := s.renderer(w, r)
	if !ok {
		return
	}
	rend.SetPathDelay(req.DelayUs)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:     s.config.Cert.FingerprintBase64(),
		Addr:     s.config.Addr,
		NotAfter: s.config.Cert.NotAfter.Format(time.RFC3339),
	})
}

// SECURITY: the pull endpoint dials arbitrary addresses. Keep the API on
// an operator network.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []srtingest.PullRequest{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req srtingest.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamID == "" {
		writeError(w, http.StatusBadRequest, "address and streamId are required")
		return
	}
	if err := s.config.SRTPull(req); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamId": req.StreamID})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}
