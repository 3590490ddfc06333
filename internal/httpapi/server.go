package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/RuntimeRacer/KoboldAI-united/internal/manager"
	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error
	Load(ctx context.Context, id, revision string) error
	Unload() error
	Ready() bool
}

// Options tunes the HTTP surface.
type Options struct {
	// MaxBodyBytes caps JSON request bodies; zero means 1 MiB.
	MaxBodyBytes int64
	// CORSOrigins enables the CORS middleware when non-empty.
	CORSOrigins []string
	Log         zerolog.Logger
}

// loadRequest is the POST /load payload.
type loadRequest struct {
	Model    string `json:"model"`
	Revision string `json:"revision,omitempty"`
}

// NewMux builds the chi router over svc.
func NewMux(svc Service, opts Options) http.Handler {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	log := opts.Log

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: svc.ListModels()}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal", "failed to encode response")
		}
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal", "failed to encode response")
		}
	})

	r.Post("/load", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeJSON[loadRequest](w, r, maxBody)
		if !ok {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "configuration", "model is required")
			return
		}
		start := time.Now()
		if err := svc.Load(r.Context(), req.Model, req.Revision); err != nil {
			writeMapped(w, log, "load", err)
			return
		}
		log.Info().Str("model", req.Model).Dur("dur", time.Since(start)).Msg("load done")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.Status())
	})

	r.Post("/unload", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Unload(); err != nil {
			writeMapped(w, log, "unload", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.Status())
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeJSON[types.GenerateRequest](w, r, maxBody)
		if !ok {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" && len(req.PromptTokens) == 0 {
			writeJSONError(w, http.StatusBadRequest, "configuration", "prompt or prompt_tokens is required")
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}

		start := time.Now()
		rid := middleware.GetReqID(r.Context())
		log.Info().Str("request_id", rid).Str("model", req.Model).Msg("generate start")

		// Shutdown of the server base context cancels in-flight work too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := svc.Generate(ctx, req, w, flush); err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			writeMapped(w, log, "generate", err)
			return
		}
		log.Info().Str("request_id", rid).Dur("dur", time.Since(start)).Msg("generate end")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeJSON enforces content type and body size before decoding.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxBody int64) (T, bool) {
	var req T
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "configuration", "Content-Type must be application/json")
		return req, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "configuration", "invalid JSON body")
		return req, false
	}
	return req, true
}

// writeMapped maps an operation error to its HTTP shape and logs it.
func writeMapped(w http.ResponseWriter, log zerolog.Logger, op string, err error) {
	status, kind := mapError(err)
	if status == http.StatusTooManyRequests {
		incrementBackpressure(kind)
	}
	log.Warn().Str("op", op).Int("status", status).Str("kind", kind).Err(err).Msg("request failed")
	writeJSONError(w, status, kind, err.Error())
}

// serverBaseCtx is a process-level context canceled on shutdown.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context canceled when either a or b is done.
// The returned cancel func must be called to release the goroutine.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-b.Done():
			cancel()
		}
	}()
	return ctx, cancel
}

var _ Service = (*manager.Manager)(nil)
