package cache

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/uptrace/bun"
)

// SchemaVersion is recorded as a fingerprint. Bumping it purges every stored tile.
const SchemaVersion = "2"

// timeLayout is fixed width so that stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// tileModel is the tiles table as written
type tileModel struct {
	bun.BaseModel `bun:"table:tiles"`

	Key        string  `bun:"key,pk"`
	Format     string  `bun:"format,notnull"`
	Size       int64   `bun:"size,notnull"`
	Milieu     string  `bun:"milieu,notnull"`
	X          float64 `bun:"x,notnull"`
	Y          float64 `bun:"y,notnull"`
	Width      int     `bun:"width,notnull"`
	Height     int     `bun:"height,notnull"`
	Scale      int     `bun:"scale,notnull"`
	Overlap    string  `bun:"overlap,notnull"`
	CreatedAt  string  `bun:"created_at,notnull"`
	LastUsedAt string  `bun:"last_used_at,notnull"`
	Payload    []byte  `bun:"payload,notnull"`
}

func tileModelFromEntry(e *Entry, payload []byte) *tileModel {
	return &tileModel{
		Key:        e.Key,
		Format:     e.Format.String(),
		Size:       e.Size,
		Milieu:     e.Milieu,
		X:          e.X,
		Y:          e.Y,
		Width:      e.Width,
		Height:     e.Height,
		Scale:      e.Scale,
		Overlap:    e.Overlap.String(),
		CreatedAt:  formatTime(e.CreatedAt),
		LastUsedAt: formatTime(e.LastUsedAt),
		Payload:    payload,
	}
}

// tileRow is the tiles table as read back for the index. Every column is
// nullable text so a damaged row fails in toEntry instead of failing the scan.
type tileRow struct {
	bun.BaseModel `bun:"table:tiles"`

	Key        string         `bun:"key,pk"`
	Format     sql.NullString `bun:"format"`
	Size       sql.NullString `bun:"size"`
	Milieu     sql.NullString `bun:"milieu"`
	X          sql.NullString `bun:"x"`
	Y          sql.NullString `bun:"y"`
	Width      sql.NullString `bun:"width"`
	Height     sql.NullString `bun:"height"`
	Scale      sql.NullString `bun:"scale"`
	Overlap    sql.NullString `bun:"overlap"`
	CreatedAt  sql.NullString `bun:"created_at"`
	LastUsedAt sql.NullString `bun:"last_used_at"`
}

func (r *tileRow) toEntry() (*Entry, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidRow, r.Key, fmt.Sprintf(format, args...))
	}

	for name, col := range map[string]sql.NullString{
		"format": r.Format, "size": r.Size, "overlap": r.Overlap,
		"created_at": r.CreatedAt, "last_used_at": r.LastUsedAt,
	} {
		if !col.Valid {
			return nil, invalid("%s is null", name)
		}
	}

	format, err := ParseFormat(r.Format.String)
	if err != nil {
		return nil, invalid("%v", err)
	}
	overlap, err := ParseOverlapClass(r.Overlap.String)
	if err != nil {
		return nil, invalid("%v", err)
	}
	created, err := parseTime(r.CreatedAt.String)
	if err != nil {
		return nil, invalid("created_at: %v", err)
	}
	lastUsed, err := parseTime(r.LastUsedAt.String)
	if err != nil {
		return nil, invalid("last_used_at: %v", err)
	}
	size, err := strconv.ParseInt(r.Size.String, 10, 64)
	if err != nil || size < 0 {
		return nil, invalid("size %q", r.Size.String)
	}
	if lastUsed.Before(created) {
		lastUsed = created
	}

	// Spatial columns are diagnostic only; unreadable values read as zero.
	x, _ := strconv.ParseFloat(r.X.String, 64)
	y, _ := strconv.ParseFloat(r.Y.String, 64)
	width, _ := strconv.Atoi(r.Width.String)
	height, _ := strconv.Atoi(r.Height.String)
	scale, _ := strconv.Atoi(r.Scale.String)

	return &Entry{
		Key: r.Key,
		Metadata: Metadata{
			Format:  format,
			Milieu:  r.Milieu.String,
			X:       x,
			Y:       y,
			Width:   width,
			Height:  height,
			Scale:   scale,
			Overlap: overlap,
		},
		Size:       size,
		CreatedAt:  created,
		LastUsedAt: lastUsed,
	}, nil
}

// fingerprintModel stores the last seen value of each invalidation fact
type fingerprintModel struct {
	bun.BaseModel `bun:"table:fingerprints"`

	Name  string `bun:"name,pk"`
	Value string `bun:"value,notnull"`
}
