package http

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const baseURLPlaceholder = "__PUBLIC_BASE_URL__"

// HandleStatic serves the viewer from publicDir. index.html has the public
// base URL substituted so the viewer can reach the API behind a proxy.
func (h *Handlers) HandleStatic(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}

	name := path.Clean("/" + r.URL.Path)
	if name == "/" {
		name = "/index.html"
	}
	file := filepath.Join(h.publicDir, filepath.FromSlash(name))

	if name != "/index.html" {
		http.ServeFile(w, r, file)
		return
	}

	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(strings.ReplaceAll(string(data), baseURLPlaceholder, h.config.PublicBaseURL)))
}
