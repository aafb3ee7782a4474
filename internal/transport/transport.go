// Package transport is archdrop's Transport Surface: the gorilla/mux HTTP
// router that maps the wire contract onto the Send and Receive Paths,
// renders engine errors as HTTP responses, and fires the shutdown signal
// once the session completes.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/MattFrayser/archdrop/internal/engine"
	"github.com/MattFrayser/archdrop/internal/engine/audit"
	"github.com/MattFrayser/archdrop/internal/engine/progress"
	"github.com/MattFrayser/archdrop/internal/engine/receivepath"
	"github.com/MattFrayser/archdrop/internal/engine/sendpath"
	"github.com/MattFrayser/archdrop/internal/metrics"
	"github.com/MattFrayser/archdrop/internal/middleware"
)

// SendPath is the subset of *sendpath.Path the Transport Surface calls.
type SendPath interface {
	Manifest(token string) ([]sendpath.ManifestFile, error)
	Chunk(token string, fileIndex int, chunkIndex uint32) ([]byte, error)
	Complete(token string) error
}

// ReceivePath is the subset of *receivepath.Path the Transport Surface calls.
type ReceivePath interface {
	StoreChunk(token string, upload receivepath.ChunkUpload) (*receivepath.ChunkResult, error)
	Finalize(token, relativePath string) (*receivepath.FinalizeResult, error)
	Complete(token string) error
}

// Server is the HTTP front door for exactly one Session: either Send or
// Receive is non-nil, never both.
type Server struct {
	router  *mux.Router
	send    SendPath
	receive ReceivePath
	prog    *progress.Broadcaster
	metrics *metrics.Metrics
	logger  *logrus.Logger
	audit   audit.Logger
	tracer  trace.Tracer

	requestTimeout  time.Duration
	shutdownTimeout time.Duration

	httpServer *http.Server

	doneOnce sync.Once
	done     chan struct{}
}

// Default request/shutdown timeouts, matching config.Defaults(). Used when
// SetTimeouts is never called (e.g. in tests that build a Server directly).
const (
	defaultRequestTimeout  = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// New builds a Server. Exactly one of send/receive should be non-nil; the
// other routes are simply never matched.
func New(send SendPath, receive ReceivePath, prog *progress.Broadcaster, m *metrics.Metrics, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		send:            send,
		receive:         receive,
		prog:            prog,
		metrics:         m,
		logger:          logger,
		tracer:          otel.GetTracerProvider().Tracer("archdrop/transport"),
		requestTimeout:  defaultRequestTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		done:            make(chan struct{}),
	}
	s.router = s.newRouter()
	return s
}

// SetAuditLogger attaches the audit trail. The manifest handler records a
// claim event through LogAccess on success and failure, the finalize
// handler records LogFinalize, and successful complete requests record a
// complete event. Chunk requests are not audited here; the Send and
// Receive Paths log them through LogChunkCrypto.
func (s *Server) SetAuditLogger(a audit.Logger) { s.audit = a }

// SetTracer overrides the tracer used to wrap every request in a span,
// e.g. with the Tracer from a tracing.Provider configured for a real
// exporter. Without this call, requests are still traced against
// whatever global TracerProvider is active (a no-op by default).
func (s *Server) SetTracer(t trace.Tracer) { s.tracer = t }

// SetTimeouts overrides the per-request read/write timeout and the grace
// period ListenAndServe allows http.Server.Shutdown before returning. A
// value <= 0 leaves the corresponding default (defaultRequestTimeout /
// defaultShutdownTimeout) in place. Must be called before ListenAndServe.
func (s *Server) SetTimeouts(request, shutdown time.Duration) {
	if request > 0 {
		s.requestTimeout = request
	}
	if shutdown > 0 {
		s.shutdownTimeout = shutdown
	}
}

// Done returns a channel closed once a /complete request succeeds,
// signaling the operator front-end to stop the listener and exit.
func (s *Server) Done() <-chan struct{} { return s.done }

// ListenAndServe starts the HTTP listener on addr and blocks until either
// the listener errors or Done fires, in which case it shuts the server
// down gracefully and returns nil.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.requestTimeout,
		WriteTimeout: s.requestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-s.done:
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RecoveryMiddleware(s.logger))
	r.Use(func(next http.Handler) http.Handler {
		// Indirects through s.tracer at request time (not router-build
		// time) so SetTracer can be called after New without a rebuild.
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			middleware.TracingMiddleware(s.tracer)(next).ServeHTTP(w, r)
		})
	})
	r.Use(middleware.LoggingMiddleware(s.logger))

	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadinessHandler(func(context.Context) error { return nil })).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	if s.send != nil {
		r.HandleFunc("/send/{token}/manifest", s.handleManifest).Methods(http.MethodGet)
		r.HandleFunc("/send/{token}/{file_index:[0-9]+}/chunk/{chunk_index:[0-9]+}", s.handleSendChunk).Methods(http.MethodGet)
		r.HandleFunc("/send/{token}/complete", s.handleSendComplete).Methods(http.MethodPost)
	}
	if s.receive != nil {
		r.HandleFunc("/receive/{token}/chunk", s.handleReceiveChunk).Methods(http.MethodPost)
		r.HandleFunc("/receive/{token}/finalize", s.handleReceiveFinalize).Methods(http.MethodPost)
		r.HandleFunc("/receive/{token}/complete", s.handleReceiveComplete).Methods(http.MethodPost)
	}
	return r
}

// writeJSON encodes v as the success body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders an engine error. The core contract only promises the
// client "it failed"; archdrop refines that to a status code per Kind
// (permitted by spec.md §6) while keeping the body empty, so nothing about
// the failure's internals is leaked to the client. The detail is logged
// server-side by the caller.
func writeError(w http.ResponseWriter, logger *logrus.Logger, op string, err error) {
	kind := engine.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case engine.KindAuthFailure, engine.KindAuthenticationFailure, engine.KindPathTraversal:
		status = http.StatusForbidden
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindInvalidRequest:
		status = http.StatusBadRequest
	case engine.KindIncompleteUpload, engine.KindHashMismatch:
		status = http.StatusConflict
	}
	if logger != nil {
		logger.WithError(err).WithField("op", op).WithField("kind", string(kind)).Error("request failed")
	}
	w.WriteHeader(status)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token := mux.Vars(r)["token"]
	files, err := s.send.Manifest(token)
	if err != nil {
		writeError(w, s.logger, "transport.manifest", err)
		s.recordHTTP(r, http.StatusForbidden, start, 0)
		s.recordAudit(audit.EventTypeClaim, token, r, false, err, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
	s.recordHTTP(r, http.StatusOK, start, 0)
	s.recordAudit(audit.EventTypeClaim, token, r, true, nil, start)
}

func (s *Server) handleSendChunk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	token := vars["token"]
	fileIndex, _ := strconv.Atoi(vars["file_index"])
	chunkIndex64, _ := strconv.ParseUint(vars["chunk_index"], 10, 32)

	data, err := s.send.Chunk(token, fileIndex, uint32(chunkIndex64))
	if err != nil {
		writeError(w, s.logger, "transport.chunk", err)
		s.recordHTTP(r, http.StatusInternalServerError, start, 0)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(data)
	s.recordHTTP(r, http.StatusOK, start, int64(n))
}

func (s *Server) handleSendComplete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token := mux.Vars(r)["token"]
	if err := s.send.Complete(token); err != nil {
		writeError(w, s.logger, "transport.complete", err)
		s.recordHTTP(r, http.StatusForbidden, start, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	s.recordHTTP(r, http.StatusOK, start, 0)
	s.recordAudit(audit.EventTypeComplete, token, r, true, nil, start)
	s.fireDone()
}

func (s *Server) handleReceiveChunk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token := mux.Vars(r)["token"]

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, s.logger, "transport.receive_chunk", engine.New("transport.receive_chunk", engine.KindInvalidRequest, err))
		s.recordHTTP(r, http.StatusBadRequest, start, 0)
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, s.logger, "transport.receive_chunk", engine.New("transport.receive_chunk", engine.KindInvalidRequest, err))
		s.recordHTTP(r, http.StatusBadRequest, start, 0)
		return
	}
	defer file.Close()

	chunkIndex, _ := strconv.ParseUint(r.FormValue("chunkIndex"), 10, 32)
	totalChunks, _ := strconv.ParseUint(r.FormValue("totalChunks"), 10, 32)
	fileSize, _ := strconv.ParseInt(r.FormValue("fileSize"), 10, 64)

	buf := make([]byte, 0, 1<<20)
	tmp := make([]byte, 32<<10)
	for {
		n, readErr := file.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if readErr != nil {
			break
		}
	}

	upload := receivepath.ChunkUpload{
		Chunk:        buf,
		RelativePath: r.FormValue("relativePath"),
		FileName:     r.FormValue("fileName"),
		ChunkIndex:   uint32(chunkIndex),
		TotalChunks:  uint32(totalChunks),
		FileSize:     fileSize,
		NonceBase:    r.FormValue("nonce"),
	}

	result, err := s.receive.StoreChunk(token, upload)
	if err != nil {
		writeError(w, s.logger, "transport.receive_chunk", err)
		s.recordHTTP(r, http.StatusInternalServerError, start, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   result.Success,
		"chunk":     result.ChunkIdx,
		"received":  result.Received,
		"total":     result.Total,
		"duplicate": result.Duplicate,
	})
	s.recordHTTP(r, http.StatusOK, start, int64(len(buf)))
}

func (s *Server) handleReceiveFinalize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token := mux.Vars(r)["token"]

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, s.logger, "transport.finalize", engine.New("transport.finalize", engine.KindInvalidRequest, err))
		s.recordHTTP(r, http.StatusBadRequest, start, 0)
		return
	}
	relativePath := r.FormValue("relativePath")

	result, err := s.receive.Finalize(token, relativePath)
	if s.audit != nil {
		s.audit.LogFinalize(token, relativePath, err == nil, err, time.Since(start))
	}
	if err != nil {
		writeError(w, s.logger, "transport.finalize", err)
		s.recordHTTP(r, http.StatusInternalServerError, start, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"path":    result.Path,
		"size":    result.Size,
		"sha256":  result.SHA256,
	})
	s.recordHTTP(r, http.StatusOK, start, 0)
}

func (s *Server) handleReceiveComplete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token := mux.Vars(r)["token"]
	if err := s.receive.Complete(token); err != nil {
		writeError(w, s.logger, "transport.complete", err)
		s.recordHTTP(r, http.StatusForbidden, start, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	s.recordHTTP(r, http.StatusOK, start, 0)
	s.recordAudit(audit.EventTypeComplete, token, r, true, nil, start)
	s.fireDone()
}

func (s *Server) fireDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Server) recordAudit(eventType audit.EventType, token string, r *http.Request, success bool, err error, start time.Time) {
	if s.audit == nil {
		return
	}
	s.audit.LogAccess(eventType, token, r.RemoteAddr, r.UserAgent(), r.Header.Get("X-Request-Id"), success, err, time.Since(start))
}

func (s *Server) recordHTTP(r *http.Request, status int, start time.Time, bytes int64) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, status, time.Since(start), bytes)
}
