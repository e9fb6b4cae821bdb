package cache

import (
	"fmt"
	"time"
)

// Format is the encoding of a tile payload
type Format int

const (
	FormatJPEG Format = iota
	FormatPNG
	FormatWebP
	FormatSVG
	FormatPDF
)

var formatNames = map[Format]string{
	FormatJPEG: "jpeg",
	FormatPNG:  "png",
	FormatWebP: "webp",
	FormatSVG:  "svg",
	FormatPDF:  "pdf",
}

var formatContentTypes = map[Format]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatWebP: "image/webp",
	FormatSVG:  "image/svg+xml",
	FormatPDF:  "application/pdf",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ContentType returns the MIME type served for the format
func (f Format) ContentType() string {
	if ct, ok := formatContentTypes[f]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ParseFormat is the inverse of Format.String. "jpg" is accepted as an alias.
func ParseFormat(s string) (Format, error) {
	if s == "jpg" {
		return FormatJPEG, nil
	}
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown format %q", s)
}

// OverlapClass tells how much of a tile is made of user-editable custom data.
// It decides which invalidation sweep removes the tile.
type OverlapClass int

const (
	OverlapNone OverlapClass = iota
	OverlapPartial
	OverlapComplete
)

func (o OverlapClass) String() string {
	switch o {
	case OverlapNone:
		return "none"
	case OverlapPartial:
		return "partial"
	case OverlapComplete:
		return "complete"
	default:
		return fmt.Sprintf("overlap(%d)", int(o))
	}
}

func ParseOverlapClass(s string) (OverlapClass, error) {
	switch s {
	case "none":
		return OverlapNone, nil
	case "partial":
		return OverlapPartial, nil
	case "complete":
		return OverlapComplete, nil
	default:
		return 0, fmt.Errorf("unknown overlap class %q", s)
	}
}

// Metadata is what the renderer knows about a tile besides its bytes
type Metadata struct {
	Format  Format
	Milieu  string
	X, Y    float64
	Width   int
	Height  int
	Scale   int
	Overlap OverlapClass
}

// Entry describes one cached tile. The payload is stored and loaded separately.
type Entry struct {
	Key string
	Metadata
	Size       int64
	CreatedAt  time.Time
	LastUsedAt time.Time
}

func newEntry(key string, size int64, meta Metadata, now time.Time) *Entry {
	return &Entry{
		Key:        key,
		Metadata:   meta,
		Size:       size,
		CreatedAt:  now,
		LastUsedAt: now,
	}
}

// touch moves LastUsedAt forward to t. Older times are ignored.
func (e *Entry) touch(t time.Time) bool {
	if !t.After(e.LastUsedAt) {
		return false
	}
	e.LastUsedAt = t
	return true
}
