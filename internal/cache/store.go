package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tilecache/internal/util"
)

// sqlite caps bound parameters per statement; deletes are chunked below it
const deleteChunk = 500

// Store is the persistent layer: tiles in a SQLite table, payloads zstd-compressed,
// plus an in-memory index of their metadata in last-used order.
//
// Every durable write holds writeMu across the SQL statement and the index
// update that follows it, so the index never reflects a write that failed and
// concurrent writers cannot interleave between the two steps.
type Store struct {
	db     *bun.DB
	lock   *flock.Flock
	path   string
	logger *zap.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	loads   singleflight.Group

	writeMu sync.Mutex
	mu      sync.RWMutex
	idx     *index
}

// OpenStore takes the cache lock, connects and creates the schema.
// The index is empty until LoadIndex runs.
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock cache database: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrCacheLocked, path)
	}

	s := &Store{
		lock:   lock,
		path:   path,
		logger: logger,
		idx:    newIndex(),
	}

	if err := s.connect(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) connect(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	// SQLite serializes writers anyway; one connection keeps WAL checkpoints simple
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	s.db = bun.NewDB(sqlDB, sqlitedialect.New())

	s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	s.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return util.Retry(ctx, func() error {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to cache database: %w", err)
		}
		return s.createSchema(ctx)
	})
}

func (s *Store) createSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*tileModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create tiles table: %w", err)
	}
	if _, err := s.db.NewCreateTable().Model((*fingerprintModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create fingerprints table: %w", err)
	}
	for name, column := range map[string]string{
		"tiles_last_used_at_idx": "last_used_at",
		"tiles_created_at_idx":   "created_at",
		"tiles_overlap_idx":      "overlap",
	} {
		_, err := s.db.NewCreateIndex().
			Model((*tileModel)(nil)).
			Index(name).
			Column(column).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}
	return nil
}

// LoadIndex reads every metadata row, oldest use first. Rows that do not parse
// are deleted instead of failing the load. progress, if set, is called with the
// number of rows handled so far.
func (s *Store) LoadIndex(ctx context.Context, progress func(done, total int)) (loaded, invalid int, err error) {
	var rows []tileRow
	if err := s.db.NewSelect().Model(&rows).Order("last_used_at ASC").Scan(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to load tile index: %w", err)
	}

	idx := newIndex()
	var bad []string
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			s.logger.Warn("Invalid cache row", zap.String("key", rows[i].Key), zap.Error(err))
			bad = append(bad, rows[i].Key)
		} else {
			idx.put(e)
		}
		if progress != nil && ((i+1)%1000 == 0 || i+1 == len(rows)) {
			progress(i+1, len(rows))
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(bad) > 0 {
		if err := s.deleteKeys(ctx, bad); err != nil {
			s.logger.Warn("Failed to delete invalid cache rows", zap.Int("count", len(bad)), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.idx = idx
	s.mu.Unlock()

	return idx.len(), len(bad), nil
}

// Metadata returns a copy of the indexed entry for key
func (s *Store) Metadata(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.idx.get(key)
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Payload loads and decodes the payload for an indexed key. Concurrent loads of
// one key share a single read, which runs detached from the callers' contexts;
// a caller that gives up gets its context error and the entry stays indexed.
// A corrupt payload is deleted along with its row, so it reads as a miss from
// then on.
func (s *Store) Payload(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	e, ok := s.idx.get(key)
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(key, func() (interface{}, error) {
		data, err := s.readPayload(loadCtx, e)
		switch {
		case errors.Is(err, ErrCorruptEntry):
			if dropErr := s.dropStale(loadCtx, e); dropErr != nil {
				s.logger.Warn("Failed to delete corrupt tile", zap.String("key", key), zap.Error(dropErr))
			}
		case errors.Is(err, sql.ErrNoRows):
			// The row is gone; forget the entry so it reads as a miss
			s.mu.Lock()
			s.idx.removeIf(key, e)
			s.mu.Unlock()
			return nil, nil
		}
		return data, err
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if res.Val == nil {
			return nil, false, nil
		}
		data, _ := res.Val.([]byte)
		return data, true, nil
	}
}

func (s *Store) readPayload(ctx context.Context, e *Entry) ([]byte, error) {
	m := new(tileModel)
	err := s.db.NewSelect().Model(m).Column("payload").Where("key = ?", e.Key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload for %s: %w", e.Key, err)
	}

	data, err := s.decoder.DecodeAll(m.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, e.Key, err)
	}
	if int64(len(data)) != e.Size {
		return nil, fmt.Errorf("%w: %s: decoded %d bytes, expected %d", ErrCorruptEntry, e.Key, len(data), e.Size)
	}
	return data, nil
}

// dropStale deletes the row and index entry for e, but only while the index
// still holds e itself. A newer Insert for the same key replaces the entry
// and is left alone. On a failed delete the entry stays indexed so its bytes
// remain accounted for.
func (s *Store) dropStale(ctx context.Context, e *Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur, ok := s.idx.get(e.Key)
	s.mu.RUnlock()
	if !ok || cur != e {
		return nil
	}

	_, err := s.db.NewDelete().
		Model((*tileModel)(nil)).
		Where("key = ?", e.Key).
		Where("created_at = ?", formatTime(e.CreatedAt)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete tile %s: %w", e.Key, err)
	}

	s.mu.Lock()
	s.idx.removeIf(e.Key, e)
	s.mu.Unlock()
	return nil
}

// Insert upserts the entry and its payload, then records it in the index
func (s *Store) Insert(ctx context.Context, e *Entry, payload []byte) error {
	model := tileModelFromEntry(e, s.encoder.EncodeAll(payload, nil))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.NewInsert().
		Model(model).
		On("CONFLICT (key) DO UPDATE").
		Set("format = EXCLUDED.format").
		Set("size = EXCLUDED.size").
		Set("milieu = EXCLUDED.milieu").
		Set("x = EXCLUDED.x").
		Set("y = EXCLUDED.y").
		Set("width = EXCLUDED.width").
		Set("height = EXCLUDED.height").
		Set("scale = EXCLUDED.scale").
		Set("overlap = EXCLUDED.overlap").
		Set("created_at = EXCLUDED.created_at").
		Set("last_used_at = EXCLUDED.last_used_at").
		Set("payload = EXCLUDED.payload").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to write tile %s: %w", e.Key, err)
	}

	cp := *e
	s.mu.Lock()
	s.idx.put(&cp)
	s.mu.Unlock()
	return nil
}

// MarkUsed advances last_used_at for key to t. A t not newer than the stored
// value changes nothing, so updates finishing out of order never go backwards.
func (s *Store) MarkUsed(ctx context.Context, key string, t time.Time) (bool, error) {
	ts := formatTime(t)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.NewUpdate().
		Model((*tileModel)(nil)).
		Set("last_used_at = ?", ts).
		Where("key = ?", key).
		Where("last_used_at < ?", ts).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s used: %w", key, err)
	}

	s.mu.Lock()
	s.idx.touch(key, t)
	s.mu.Unlock()

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMany removes keys in one transaction
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.deleteKeys(ctx, keys); err != nil {
		return 0, err
	}

	s.mu.Lock()
	n, _ := s.idx.remove(keys...)
	s.mu.Unlock()
	return n, nil
}

// deleteKeys must be called with writeMu held
func (s *Store) deleteKeys(ctx context.Context, keys []string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for start := 0; start < len(keys); start += deleteChunk {
			end := min(start+deleteChunk, len(keys))
			_, err := tx.NewDelete().
				Model((*tileModel)(nil)).
				Where("key IN (?)", bun.In(keys[start:end])).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to delete tiles: %w", err)
			}
		}
		return nil
	})
}

// DeleteWhereOverlapNot removes every tile whose overlap class differs from class
func (s *Store) DeleteWhereOverlapNot(ctx context.Context, class OverlapClass) ([]string, error) {
	return s.deleteWhere(ctx, "overlap != ?", class.String())
}

// DeleteWhereCreatedBefore removes every tile created at or before cutoff
func (s *Store) DeleteWhereCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.deleteWhere(ctx, "created_at <= ?", formatTime(cutoff))
}

func (s *Store) deleteWhere(ctx context.Context, where string, args ...interface{}) ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var keys []string
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model((*tileModel)(nil)).
			Column("key").
			Where(where, args...).
			Scan(ctx, &keys)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		_, err = tx.NewDelete().Model((*tileModel)(nil)).Where(where, args...).Exec(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete tiles where %s: %w", where, err)
	}

	s.mu.Lock()
	s.idx.remove(keys...)
	s.mu.Unlock()
	return keys, nil
}

// DeleteAll empties the tiles table and returns the number of rows removed
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.NewDelete().Model((*tileModel)(nil)).Where("1 = 1").Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear tiles: %w", err)
	}

	s.mu.Lock()
	s.idx.clear()
	s.mu.Unlock()

	n, _ := res.RowsAffected()
	return int(n), nil
}

// Victims returns least recently used keys whose removal brings the indexed
// total to budget or below
func (s *Store) Victims(budget int64) ([]string, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.victims(budget)
}

// Fingerprint returns the stored value for name. ok is false when none is stored.
func (s *Store) Fingerprint(ctx context.Context, name string) (value string, ok bool, err error) {
	var m fingerprintModel
	err = s.db.NewSelect().Model(&m).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m.Value, true, nil
}

func (s *Store) SetFingerprint(ctx context.Context, name, value string) error {
	_, err := s.db.NewInsert().
		Model(&fingerprintModel{Name: name, Value: value}).
		On("CONFLICT (name) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.len()
}

func (s *Store) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.bytes
}

// Keys lists indexed keys from least to most recently used
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.keys()
}

func (s *Store) Path() string {
	return s.path
}

// Close closes the database and releases the cache lock
func (s *Store) Close() error {
	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.encoder != nil {
		s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
