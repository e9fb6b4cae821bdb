package image_list

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// UniverseVersion digests the stock images. Any change to the stock set, such
// as a replaced or removed file, yields a new value.
func (s *Scanner) UniverseVersion(ctx context.Context) (string, error) {
	return s.version(false)
}

// CustomDataVersion digests the uploaded images
func (s *Scanner) CustomDataVersion(ctx context.Context) (string, error) {
	return s.version(true)
}

func (s *Scanner) version(uploaded bool) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scanErr != nil {
		return "", s.scanErr
	}

	var lines []string
	for _, img := range s.images {
		if img.Uploaded == uploaded {
			lines = append(lines, fmt.Sprintf("%s\t%s\t%d\t%dx%d", img.ID, img.CurrentFilename, img.Bytes, img.Width, img.Height))
		}
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
