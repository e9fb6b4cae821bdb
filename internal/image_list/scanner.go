package image_list

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
	// Uploaded images are user data layered over the stock set shipped in DATA_DIR
	Uploaded bool `json:"uploaded,omitempty"`
}

// ErrNotScanned is returned by the version digests before the first successful scan
var ErrNotScanned = errors.New("data directory not scanned")

// Scanner keeps the image list for DATA_DIR. Every image sits next to a
// {id}.json sidecar; files without one are renamed to a fresh id on scan.
// It is also the cache's DataStore: stock images form the universe, uploaded
// images the custom data.
type Scanner struct {
	dataDir string
	logger  *zap.Logger

	mu      sync.RWMutex
	images  []ImageInfo
	scanErr error
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
		images:  []ImageInfo{},
		scanErr: ErrNotScanned,
	}
}

// Scan rebuilds the image list. On failure the previous list is kept and the
// version digests report the error until a scan succeeds.
func (s *Scanner) Scan() error {
	images, err := s.scan()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanErr = err
	if err == nil {
		s.images = images
	}
	return err
}

func (s *Scanner) scan() ([]ImageInfo, error) {
	if err := s.pruneSidecars(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	images := []ImageInfo{}
	for _, entry := range entries {
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if entry.IsDir() || !SupportedExtension(ext) {
			continue
		}

		sidecar := s.path(strings.TrimSuffix(name, filepath.Ext(name)) + ".json")
		if info, err := readSidecar(sidecar); err == nil {
			images = append(images, *info)
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", sidecar), zap.Error(err))
			continue
		}

		info, err := s.adopt(s.path(name), name, false)
		if err != nil {
			s.logger.Warn("Failed to adopt image", zap.String("path", s.path(name)), zap.Error(err))
			continue
		}
		s.logger.Info("Migrated file to UUID", zap.String("original_filename", name), zap.String("id", info.ID))
		images = append(images, *info)
	}

	return images, nil
}

// adopt moves src into the data directory under a fresh id, reads its
// dimensions and writes the sidecar
func (s *Scanner) adopt(src, originalFilename string, uploaded bool) (*ImageInfo, error) {
	id := uuid.NewString()
	filename := id + strings.ToLower(filepath.Ext(originalFilename))
	dst := s.path(filename)

	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("failed to move %s: %w", src, err)
	}

	info, err := s.readHeader(dst)
	if err != nil {
		return nil, err
	}
	info.ID = id
	info.OriginalFilename = originalFilename
	info.CurrentFilename = filename
	info.Uploaded = uploaded

	if err := writeSidecar(s.path(id+".json"), info); err != nil {
		return nil, err
	}
	return info, nil
}

// readHeader reads the image header for its dimensions
func (s *Scanner) readHeader(path string) (*ImageInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	image, err := OpenImage(path, vips.AccessSequential)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	return &ImageInfo{
		Width:  image.Width(),
		Height: image.Height(),
		Bytes:  stat.Size(),
	}, nil
}

// pruneSidecars deletes sidecars that do not parse, do not match their file
// name, or whose image is gone
func (s *Scanner) pruneSidecars() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.ToLower(filepath.Ext(name)) != ".json" {
			continue
		}

		path := s.path(name)
		reason := ""
		info, err := readSidecar(path)
		switch {
		case err != nil:
			reason = "invalid"
		case info.ID != strings.TrimSuffix(name, filepath.Ext(name)):
			reason = "id mismatch"
		default:
			if _, err := os.Stat(s.path(info.CurrentFilename)); err != nil {
				reason = "orphaned"
			}
		}
		if reason == "" {
			continue
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to delete metadata file", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
		} else {
			s.logger.Info("Deleted metadata file", zap.String("path", path), zap.String("reason", reason))
		}
	}
	return nil
}

func (s *Scanner) GetImages() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ImageInfo(nil), s.images...)
}

func (s *Scanner) GetImageByID(id string) *ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, img := range s.images {
		if img.ID == id {
			return &img
		}
	}
	return nil
}

func (s *Scanner) GetImagePathByID(id string) string {
	if info := s.GetImageByID(id); info != nil {
		return s.path(info.CurrentFilename)
	}
	return ""
}

// ProcessUploadedFile adopts an uploaded temp file and returns its new id
func (s *Scanner) ProcessUploadedFile(tempPath string, originalFilename string) (string, error) {
	info, err := s.adopt(tempPath, originalFilename, true)
	if err != nil {
		return "", err
	}
	s.logger.Info("Processed uploaded file",
		zap.String("id", info.ID),
		zap.String("original_filename", originalFilename),
		zap.Int64("bytes", info.Bytes),
	)
	return info.ID, nil
}

func (s *Scanner) path(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func readSidecar(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info ImageInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &info, nil
}

func writeSidecar(path string, info *ImageInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
