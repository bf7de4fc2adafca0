package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/kirillkom/cardmint-ocr/internal/config"
	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
	"github.com/kirillkom/cardmint-ocr/internal/core/ports"
	"github.com/kirillkom/cardmint-ocr/internal/observability/metrics"
)

const (
	maxOCRRequestBytes    = 64 << 10
	maxUploadRequestBytes = 32 << 20
)

type Router struct {
	cfg      config.Config
	daemon   *Daemon
	uploads  ports.UploadRecognizer
	scans    ports.ScanReader
	metrics  *metrics.HTTPServerMetrics
	exposer  http.Handler
	service  string
	versions map[string]string
	now      func() time.Time
}

type RouterOption func(*Router)

func WithUploads(uploads ports.UploadRecognizer) RouterOption {
	return func(rt *Router) { rt.uploads = uploads }
}

func WithScans(scans ports.ScanReader) RouterOption {
	return func(rt *Router) { rt.scans = scans }
}

// WithMetrics instruments requests with m. The /metrics endpoint serves m's
// registry unless exposer is given.
func WithMetrics(service string, m *metrics.HTTPServerMetrics, exposer ...http.Handler) RouterOption {
	return func(rt *Router) {
		rt.service = service
		rt.metrics = m
		if len(exposer) > 0 {
			rt.exposer = exposer[0]
		}
	}
}

// WithVersions sets the library versions reported by /health.
func WithVersions(versions map[string]string) RouterOption {
	return func(rt *Router) { rt.versions = versions }
}

// NewRouter builds the HTTP surface. A nil daemon leaves out the OCR routes,
// which is how the scan worker serves health, scans and metrics.
func NewRouter(cfg config.Config, daemon *Daemon, opts ...RouterOption) *Router {
	rt := &Router{
		cfg:    cfg,
		daemon: daemon,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", rt.health)

	if rt.daemon != nil {
		mux.HandleFunc("GET /status", rt.status)
		mux.Handle("POST /ocr", rt.guard(http.HandlerFunc(rt.recognizePath)))
		if rt.uploads != nil {
			mux.Handle("POST /ocr/upload", rt.guard(http.HandlerFunc(rt.recognizeUpload)))
		}
	}
	if rt.scans != nil {
		mux.HandleFunc("GET /v1/scans/{id}", rt.getScanByID)
	}
	if rt.metrics != nil {
		exposer := rt.exposer
		if exposer == nil {
			exposer = rt.metrics.Handler()
		}
		mux.Handle("GET /metrics", exposer)
	}

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.service, handler)
	}
	handler = recoverMiddleware(handler)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

// guard applies the rate limit and the queue bound to routes that reach the pipeline.
func (rt *Router) guard(next http.Handler) http.Handler {
	wait := time.Duration(rt.cfg.DaemonQueueWaitMs) * time.Millisecond
	handler := backpressureMiddleware(next, rt.cfg.DaemonMaxQueue, wait, rt.recordRejected)
	return rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.recordRejected)
}

func (rt *Router) recordRejected(reason string) {
	if rt.metrics != nil {
		rt.metrics.RecordRejected(rt.service, reason)
	}
}

type ocrRequest struct {
	ImagePath string `json:"image_path"`
}

type ocrResponse struct {
	domain.PipelineResult
	DaemonProcessingMs float64 `json:"daemon_processing_ms"`
}

func (rt *Router) recognizePath(w http.ResponseWriter, r *http.Request) {
	var req ocrRequest
	body := http.MaxBytesReader(w, r.Body, maxOCRRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	imagePath := strings.TrimSpace(req.ImagePath)
	if imagePath == "" {
		writeError(w, http.StatusBadRequest, "missing 'image_path' in request body")
		return
	}
	info, err := os.Stat(imagePath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "image not found: "+imagePath)
		return
	}

	result, elapsedMs, err := rt.daemon.Process(r.Context(), imagePath)
	if err != nil {
		rt.writeDomainError(w, r, domain.WrapError(domain.ErrTemporary, "daemon process", err))
		return
	}
	writeJSON(w, http.StatusOK, ocrResponse{PipelineResult: result, DaemonProcessingMs: elapsedMs})
}

func (rt *Router) recognizeUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadRequestBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	result, err := rt.uploads.RecognizeUpload(r.Context(), header.Filename, file, "")
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) getScanByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "scan id is required")
		return
	}

	record, err := rt.scans.GetByID(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (rt *Router) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.daemon.Status())
}

func (rt *Router) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": float64(rt.now().UnixMilli()) / 1000.0,
		"host":      hostFacts(),
		"versions":  rt.versions,
	})
}

func hostFacts() map[string]any {
	facts := map[string]any{
		"go_version": runtime.Version(),
		"goos":       runtime.GOOS,
		"goarch":     runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
		"gomaxprocs": runtime.GOMAXPROCS(0),
	}
	for _, key := range []string{"OMP_NUM_THREADS", "OMP_THREAD_LIMIT", "MKL_NUM_THREADS", "OCR_WORKERS", "OCR_FORCE_NATIVE"} {
		facts[strings.ToLower(key)] = os.Getenv(key)
	}
	return facts
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, publicMessage(status))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
