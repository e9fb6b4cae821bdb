package http

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tilecache/internal/cache"
)

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	h.writeJSON(w, h.scanner.GetImages())
}

// HandleImageRoutes serves /api/images/{id}/meta and /api/images/{id}/tiles/{z}/{x}/{y}.{format}
func (h *Handlers) HandleImageRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/images/"), "/"), "/")

	switch {
	case len(parts) == 2 && parts[1] == "meta":
		h.handleImageMeta(w, r, parts[0])
	case len(parts) == 5 && parts[1] == "tiles":
		h.handleTile(w, r, parts[0], parts[2:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleImageMeta(w http.ResponseWriter, r *http.Request, imageID string) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	meta, err := h.renderer.GetImageMeta(imageID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.writeJSON(w, meta)
}

type tileRequest struct {
	z, x, y int
	format  cache.Format
}

// parseTileRequest reads "{z}/{x}/{y}.{format}". Only JPEG and WebP tiles are rendered.
func parseTileRequest(parts []string) (tileRequest, error) {
	var req tileRequest
	if len(parts) != 3 {
		return req, errors.New("invalid path")
	}

	ext := path.Ext(parts[2])
	coords := []struct {
		name string
		raw  string
		dst  *int
	}{
		{"zoom level", parts[0], &req.z},
		{"x coordinate", parts[1], &req.x},
		{"y coordinate", strings.TrimSuffix(parts[2], ext), &req.y},
	}
	for _, c := range coords {
		v, err := strconv.Atoi(c.raw)
		if err != nil {
			return req, fmt.Errorf("invalid %s", c.name)
		}
		if v < 0 {
			return req, errors.New("coordinates must be non-negative")
		}
		*c.dst = v
	}

	format, err := cache.ParseFormat(strings.TrimPrefix(ext, "."))
	if err != nil || (format != cache.FormatJPEG && format != cache.FormatWebP) {
		return req, errors.New("invalid format")
	}
	req.format = format
	return req, nil
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, imageID string, parts []string) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}

	req, err := parseTileRequest(parts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.renderer.RenderTile(r.Context(), imageID, req.z, req.x, req.y, req.format)
	if err != nil {
		h.logger.Error("Failed to render tile",
			zap.String("image", imageID),
			zap.Int("z", req.z),
			zap.Int("x", req.x),
			zap.Int("y", req.y),
			zap.Error(err),
		)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	etag := `"` + result.ETag + `"`
	header := w.Header()
	header.Set("ETag", etag)
	header.Set("Cache-Control", "public, max-age=31536000")
	header.Set("Content-Type", result.Format.ContentType())
	header.Set("Content-Length", strconv.Itoa(result.Size))
	if result.Cached {
		header.Set("X-Cache", "HIT")
	} else {
		header.Set("X-Cache", "MISS")
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		return
	}
	w.Write(result.Data)
}
