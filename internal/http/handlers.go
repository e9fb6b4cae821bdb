package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tilecache/internal/cache"
	"tilecache/internal/config"
	"tilecache/internal/image_list"
	"tilecache/internal/image_renderer"
)

// CacheAdmin is the part of the tile cache exposed over HTTP
type CacheAdmin interface {
	Stats() cache.Stats
	ClearAll(ctx context.Context) (memoryCleared, persistentCleared int)
}

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	scanner  *image_list.Scanner
	renderer *image_renderer.Renderer
	cache    CacheAdmin

	// publicDir holds the viewer's static files
	publicDir string
}

func New(config *config.Config, logger *zap.Logger, scanner *image_list.Scanner, renderer *image_renderer.Renderer, cache CacheAdmin) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		scanner:  scanner,
		renderer: renderer,
		cache:    cache,

		publicDir: "public",
	}
}

// Routes returns the API wrapped in CORS and request logging
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/api/images/", h.HandleImageRoutes)
	mux.HandleFunc("/api/upload", h.HandleUpload)
	mux.HandleFunc("/api/cache", h.HandleCache)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/", h.HandleStatic)
	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	w.Write([]byte("ok"))
}

// authorized checks the upload token, which also guards cache administration.
// The token comes from a bearer header or the token query parameter.
func (h *Handlers) authorized(r *http.Request) bool {
	if h.config.IsUploadPublic() {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		token = r.URL.Query().Get("token")
	}
	return token == h.config.UploadToken
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", zap.Error(err))
	}
}
