package http

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// HandleCache reports cache statistics on GET and empties the cache on DELETE
func (h *Handlers) HandleCache(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodDelete) {
		return
	}

	if r.Method == http.MethodGet {
		h.writeJSON(w, h.cache.Stats())
		return
	}

	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	before := h.cache.Stats()
	memoryCleared, persistentCleared := h.cache.ClearAll(r.Context())
	h.logger.Info("Tile cache cleared over HTTP",
		zap.String("ip", clientIP(r)),
		zap.String("memory_bytes", humanize.IBytes(uint64(before.MemoryBytes))),
		zap.String("persistent_bytes", humanize.IBytes(uint64(before.PersistentBytes))),
	)
	h.writeJSON(w, map[string]int{
		"memory_cleared":     memoryCleared,
		"persistent_cleared": persistentCleared,
	})
}
