package image_list

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
)

type loader func(path string, access vips.Access) (*vips.Image, error)

var loaders = map[string]loader{
	".tif": loadTiff, ".tiff": loadTiff,
	".jpg": loadJpeg, ".jpeg": loadJpeg,
	".png":  loadPng,
	".webp": loadWebp,
}

// SupportedExtension reports whether files with the lower-case extension ext
// are picked up as images
func SupportedExtension(ext string) bool {
	_, ok := loaders[ext]
	return ok
}

// OpenImage loads path with the loader for its extension. Scanning only needs
// the header and uses sequential access; tile rendering needs random access.
func OpenImage(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	load, ok := loaders[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
	return load(path, access)
}

func loadTiff(path string, access vips.Access) (*vips.Image, error) {
	opts := vips.DefaultTiffloadOptions()
	opts.Access = access
	return vips.NewTiffload(path, opts)
}

func loadJpeg(path string, access vips.Access) (*vips.Image, error) {
	opts := vips.DefaultJpegloadOptions()
	opts.Access = access
	return vips.NewJpegload(path, opts)
}

func loadPng(path string, access vips.Access) (*vips.Image, error) {
	opts := vips.DefaultPngloadOptions()
	opts.Access = access
	return vips.NewPngload(path, opts)
}

func loadWebp(path string, access vips.Access) (*vips.Image, error) {
	opts := vips.DefaultWebploadOptions()
	opts.Access = access
	return vips.NewWebpload(path, opts)
}
