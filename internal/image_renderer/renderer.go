package image_renderer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilecache/internal/cache"
	"tilecache/internal/image_list"
)

type Renderer struct {
	dataDir   string
	scanner   *image_list.Scanner
	tileCache cache.Cache
	logger    *zap.Logger
}

const tileSize = 256

type TileResult struct {
	Data   []byte
	ETag   string
	Size   int
	Format cache.Format
	Cached bool
}

func New(dataDir string, scanner *image_list.Scanner, tileCache cache.Cache, logger *zap.Logger) *Renderer {
	return &Renderer{
		dataDir:   dataDir,
		scanner:   scanner,
		tileCache: tileCache,
		logger:    logger,
	}
}

func (r *Renderer) CalculateMaxZoom(width, height int) int {
	maxDim := math.Max(float64(width), float64(height))
	scale := maxDim / tileSize
	maxZoom := int(math.Ceil(math.Log2(scale)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

// TileKey is the cache key of one tile. Any change to the inputs of
// rendering must change the key.
func TileKey(imageID string, maxZoom, z, x, y int, format cache.Format) string {
	return fmt.Sprintf("%s_%d_%d/%d/%d/%d.%s", imageID, tileSize, maxZoom, z, x, y, format)
}

// RenderTile serves a tile from the cache or renders it from the source image
func (r *Renderer) RenderTile(ctx context.Context, imageID string, z, x, y int, format cache.Format) (*TileResult, error) {
	imageInfo := r.scanner.GetImageByID(imageID)
	if imageInfo == nil {
		return nil, fmt.Errorf("image not found: %s", imageID)
	}
	if format != cache.FormatJPEG && format != cache.FormatWebP {
		return nil, fmt.Errorf("unsupported tile format: %s", format)
	}

	maxZoom := r.CalculateMaxZoom(imageInfo.Width, imageInfo.Height)
	if z > maxZoom {
		return nil, fmt.Errorf("zoom level %d exceeds max zoom %d", z, maxZoom)
	}

	key := TileKey(imageID, maxZoom, z, x, y, format)
	if cached, ok := r.tileCache.Lookup(ctx, key); ok {
		return &TileResult{
			Data:   cached,
			ETag:   r.generateETag(key),
			Size:   len(cached),
			Format: format,
			Cached: true,
		}, nil
	}

	tileData, err := r.render(imageID, imageInfo, maxZoom, z, x, y, format)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Rendered tile", zap.String("key", key), zap.Int("bytes", len(tileData)))

	// Uploaded images are entirely custom data; stock images contain none
	overlap := cache.OverlapNone
	if imageInfo.Uploaded {
		overlap = cache.OverlapComplete
	}
	r.tileCache.Add(ctx, key, tileData, cache.Metadata{
		Format:  format,
		Milieu:  imageID,
		X:       float64(x),
		Y:       float64(y),
		Width:   tileSize,
		Height:  tileSize,
		Scale:   z,
		Overlap: overlap,
	}, true)

	return &TileResult{
		Data:   tileData,
		ETag:   r.generateETag(key),
		Size:   len(tileData),
		Format: format,
	}, nil
}

func (r *Renderer) render(imageID string, imageInfo *image_list.ImageInfo, maxZoom, z, x, y int, format cache.Format) ([]byte, error) {
	imagePath := r.scanner.GetImagePathByID(imageID)
	if imagePath == "" {
		return nil, fmt.Errorf("image path not found for id: %s", imageID)
	}

	image, err := image_list.OpenImage(imagePath, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	// Source pixels covered by one tile at this zoom level. Zoom 0 is the full image.
	pixelsPerTile := tileSize * math.Pow(2, float64(maxZoom-z))

	// Edge tiles are clamped to the image bounds
	startX := int(float64(x) * pixelsPerTile)
	startY := int(float64(y) * pixelsPerTile)
	endX := int(math.Min(float64(startX)+pixelsPerTile, float64(imageInfo.Width)))
	endY := int(math.Min(float64(startY)+pixelsPerTile, float64(imageInfo.Height)))

	width := endX - startX
	height := endY - startY
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid tile bounds")
	}

	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	// One scale factor per zoom level so neighbouring tiles line up
	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(tileSize/pixelsPerTile, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Pad edge tiles to full size, anchored top-left
	if image.Width() < tileSize || image.Height() < tileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221} // #ddd
		if err := image.Embed(0, 0, tileSize, tileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	var data []byte
	switch format {
	case cache.FormatWebP:
		webpOpts := vips.DefaultWebpsaveBufferOptions()
		webpOpts.Q = 80
		data, err = image.WebpsaveBuffer(webpOpts)
	default:
		jpegOpts := vips.DefaultJpegsaveBufferOptions()
		jpegOpts.Q = 82
		jpegOpts.Interlace = false
		data, err = image.JpegsaveBuffer(jpegOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	return data, nil
}

func (r *Renderer) generateETag(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])[:16]
}

func (r *Renderer) GetImageMeta(imageID string) (map[string]interface{}, error) {
	imageInfo := r.scanner.GetImageByID(imageID)
	if imageInfo == nil {
		return nil, fmt.Errorf("image not found: %s", imageID)
	}

	maxZoom := r.CalculateMaxZoom(imageInfo.Width, imageInfo.Height)

	return map[string]interface{}{
		"width":          imageInfo.Width,
		"height":         imageInfo.Height,
		"tileSize": tileSize,
		"maxZoom":  maxZoom,
		"bytes":    imageInfo.Bytes,
		"format":   cache.FormatJPEG.String(),
		"uploaded": imageInfo.Uploaded,
	}, nil
}
