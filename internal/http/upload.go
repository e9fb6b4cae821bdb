package http

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"tilecache/internal/image_list"
)

// HandleUpload stores a multipart "file" as a custom image. Uploaded images
// render into tiles classed as custom data.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !image_list.SupportedExtension(ext) {
		http.Error(w, "Invalid file extension", http.StatusBadRequest)
		return
	}

	tempPath, err := spool(file, ext)
	if err != nil {
		h.logger.Error("Failed to save upload", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}

	imageID, err := h.scanner.ProcessUploadedFile(tempPath, header.Filename)
	if err != nil {
		os.Remove(tempPath)
		h.logger.Error("Failed to process uploaded file", zap.String("filename", header.Filename), zap.Error(err))
		http.Error(w, "Failed to process file", http.StatusInternalServerError)
		return
	}

	if err := h.scanner.Scan(); err != nil {
		h.logger.Warn("Failed to rescan after upload", zap.Error(err))
	}
	imageInfo := h.scanner.GetImageByID(imageID)
	if imageInfo == nil {
		h.logger.Warn("Uploaded image not found after scan", zap.String("id", imageID))
		http.Error(w, "Failed to retrieve uploaded image", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]any{
		"id":    imageID,
		"name":  imageInfo.OriginalFilename,
		"saved": true,
	})
}

// spool copies an upload into a temp file and returns its path
func spool(src io.Reader, ext string) (string, error) {
	tmp, err := os.CreateTemp("", "upload_*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
