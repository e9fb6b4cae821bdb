package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tilecache/internal/cache"
	"tilecache/internal/config"
)

type fakeCache struct {
	stats   cache.Stats
	cleared int
}

func (f *fakeCache) Stats() cache.Stats { return f.stats }

func (f *fakeCache) ClearAll(context.Context) (int, int) {
	f.cleared++
	return f.stats.MemoryEntries, f.stats.PersistentEntries
}

func newTestHandlers(t *testing.T, token string) (*Handlers, *fakeCache) {
	fc := &fakeCache{stats: cache.Stats{MemoryEntries: 3, PersistentEnabled: true, PersistentEntries: 5, MemoryHits: 7}}
	cfg := &config.Config{UploadToken: token}
	return New(cfg, zaptest.NewLogger(t), nil, nil, fc), fc
}

func TestHandleCache_Stats(t *testing.T) {
	h, _ := newTestHandlers(t, "")

	rec := httptest.NewRecorder()
	h.HandleCache(rec, httptest.NewRequest(http.MethodGet, "/api/cache", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got cache.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 5, got.PersistentEntries)
	assert.Equal(t, int64(7), got.MemoryHits)
}

func TestHandleCache_Clear(t *testing.T) {
	h, fc := newTestHandlers(t, "secret")

	rec := httptest.NewRecorder()
	h.HandleCache(rec, httptest.NewRequest(http.MethodDelete, "/api/cache", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, fc.cleared)

	req := httptest.NewRequest(http.MethodDelete, "/api/cache", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.HandleCache(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fc.cleared)
	var got map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, map[string]int{"memory_cleared": 3, "persistent_cleared": 5}, got)
}

func TestHandleCache_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandlers(t, "")
	rec := httptest.NewRecorder()
	h.HandleCache(rec, httptest.NewRequest(http.MethodPost, "/api/cache", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleImageRoutes_RejectsBadTiles(t *testing.T) {
	h, _ := newTestHandlers(t, "")
	for _, path := range []string{
		"/api/images/abc/tiles/1/2/3.gif",
		"/api/images/abc/tiles/1/2/3.svg",
		"/api/images/abc/tiles/x/2/3.jpg",
		"/api/images/abc/tiles/1/-2/3.jpg",
	} {
		rec := httptest.NewRecorder()
		h.HandleImageRoutes(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestRequestLoggingMiddleware(t *testing.T) {
	h, _ := newTestHandlers(t, "")
	handler := h.RequestLoggingMiddleware(http.HandlerFunc(h.HandleHealthz))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestParseTileRequest(t *testing.T) {
	tests := []struct {
		path    []string
		want    tileRequest
		wantErr string
	}{
		{path: []string{"0", "0", "0.jpg"}, want: tileRequest{format: cache.FormatJPEG}},
		{path: []string{"3", "5", "7.jpeg"}, want: tileRequest{z: 3, x: 5, y: 7, format: cache.FormatJPEG}},
		{path: []string{"2", "1", "4.webp"}, want: tileRequest{z: 2, x: 1, y: 4, format: cache.FormatWebP}},
		{path: []string{"z", "1", "4.jpg"}, wantErr: "invalid zoom level"},
		{path: []string{"1", "x", "4.jpg"}, wantErr: "invalid x coordinate"},
		{path: []string{"1", "1", "y.jpg"}, wantErr: "invalid y coordinate"},
		{path: []string{"1", "1", "-4.jpg"}, wantErr: "coordinates must be non-negative"},
		{path: []string{"1", "1", "4"}, wantErr: "invalid format"},
		{path: []string{"1", "1", "4.png"}, wantErr: "invalid format"},
		{path: []string{"1", "1"}, wantErr: "invalid path"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.path, "/"), func(t *testing.T) {
			got, err := parseTileRequest(tt.path)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	h, _ := newTestHandlers(t, "")
	handler := h.CORSMiddleware(http.HandlerFunc(h.HandleHealthz))

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "http://tiles.local/api/cache", nil)
		req.Header.Set("Origin", "http://tiles.local")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "http://tiles.local", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://tiles.local/healthz", nil)
		req.Header.Set("Origin", "http://elsewhere.example")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("configured origin", func(t *testing.T) {
		h.config.AllowedOrigin = "https://viewer.example"
		defer func() { h.config.AllowedOrigin = "" }()

		req := httptest.NewRequest(http.MethodGet, "http://tiles.local/healthz", nil)
		req.Header.Set("Origin", "http://elsewhere.example")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "https://viewer.example", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRoutes(t *testing.T) {
	h, _ := newTestHandlers(t, "")
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cache", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	h.publicDir = t.TempDir()
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatic(t *testing.T) {
	h, _ := newTestHandlers(t, "")
	h.publicDir = t.TempDir()
	h.config.PublicBaseURL = "https://tiles.example"
	require.NoError(t, os.WriteFile(filepath.Join(h.publicDir, "index.html"), []byte(`<base href="__PUBLIC_BASE_URL__/">`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(h.publicDir, "app.js"), []byte("viewer()"), 0644))

	rec := httptest.NewRecorder()
	h.HandleStatic(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `<base href="https://tiles.example/">`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.HandleStatic(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "viewer()", rec.Body.String())

	// dot segments never leave publicDir
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.Path = "/../../etc/passwd"
	rec = httptest.NewRecorder()
	h.HandleStatic(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestAuthorized(t *testing.T) {
	h, _ := newTestHandlers(t, "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/upload?token=secret", nil)
	assert.True(t, h.authorized(req))

	req = httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.False(t, h.authorized(req))

	req.Header.Set("Authorization", "secret")
	assert.False(t, h.authorized(req))
}
