// Package postgres provides PostgreSQL storage for the key-value cache.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/clickwork/dbstash/pkg/cache"
)

const defaultTable = "cache_entries"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// arithOp selects the arithmetic applied by a locked counter update.
type arithOp int

const (
	opAdd arithOp = iota
	opSubtract
)

// Store implements cache.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	table  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures the PostgreSQL cache store.
type Config struct {
	Table string
}

// New creates a new PostgreSQL cache store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	return &Store{
		db:    db,
		table: cfg.Table,
	}
}

// Get retrieves the decoded value for key. Returns false when no entry
// exists. Expired rows are still returned; expiry is enforced by Cleanup.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	query, args, err := psq.Select("value").From(s.table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("building cache select: %w", err)
	}

	var raw []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("selecting cache entry: %w", err)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("decoding cache value: %w", err)
	}
	return value, true, nil
}

// Put stores value under key. The value is encoded before any table
// mutation so a codec failure leaves no partial write. An existing entry
// is updated only when the encoded value differs.
func (s *Store) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}

	query, args, err := psq.Select("value").From(s.table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("building cache select: %w", err)
	}

	var current []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		insert, args, err := psq.Insert(s.table).
			Columns("key", "value", "expires_at").
			Values(key, string(raw), time.Now().Add(ttl)).
			ToSql()
		if err != nil {
			return fmt.Errorf("building cache insert: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("inserting cache entry: %w", err)
		}
	case err != nil:
		return fmt.Errorf("selecting cache entry: %w", err)
	case !bytes.Equal(current, raw):
		update, args, err := psq.Update(s.table).
			Set("value", string(raw)).
			Where(sq.Eq{"key": key}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building cache update: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, update, args...); err != nil {
			return fmt.Errorf("updating cache entry: %w", err)
		}
	}
	return nil
}

// Forever stores value under key with the maximal retention.
func (s *Store) Forever(ctx context.Context, key string, value any) error {
	return s.Put(ctx, key, value, cache.DefaultTTL)
}

// Increment atomically adds delta to the counter under key.
func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, bool, error) {
	return s.applyDelta(ctx, key, delta, opAdd)
}

// Decrement atomically subtracts delta from the counter under key.
func (s *Store) Decrement(ctx context.Context, key string, delta int64) (int64, bool, error) {
	return s.applyDelta(ctx, key, delta, opSubtract)
}

// applyDelta performs a read-modify-write on the counter row under an
// exclusive row lock. Concurrent callers on the same key serialize on the
// lock until the owning transaction commits, so no update is lost. Any
// failure rolls the transaction back and leaves the entry unchanged.
func (s *Store) applyDelta(ctx context.Context, key string, delta int64, op arithOp) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("beginning counter transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := psq.Select("value").From(s.table).
		Where(sq.Eq{"key": key}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("building counter lock query: %w", err)
	}

	var raw []byte
	err = tx.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("locking counter row: %w", err)
	}

	current, numeric := parseCounter(raw)
	if !numeric {
		return 0, false, nil
	}

	next := current + delta
	if op == opSubtract {
		next = current - delta
	}

	update, args, err := psq.Update(s.table).
		Set("value", strconv.FormatInt(next, 10)).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("building counter update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return 0, false, fmt.Errorf("updating counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing counter update: %w", err)
	}
	return next, true, nil
}

// Forget removes the entry for key regardless of prior existence.
func (s *Store) Forget(ctx context.Context, key string) error {
	query, args, err := psq.Delete(s.table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("building cache delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// Flush removes all entries.
func (s *Store) Flush(ctx context.Context) error {
	query, _, err := sq.Delete(s.table).ToSql()
	if err != nil {
		return fmt.Errorf("building cache flush: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("flushing cache: %w", err)
	}
	return nil
}

// Cleanup removes entries whose expiry has passed.
func (s *Store) Cleanup(ctx context.Context) error {
	query, args, err := psq.Delete(s.table).Where(sq.LtOrEq{"expires_at": time.Now()}).ToSql()
	if err != nil {
		return fmt.Errorf("building cache cleanup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cleaning up cache: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes expired entries. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("cache cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// parseCounter reports the stored value as an int64 counter. Anything
// that is not a bare JSON integer fails the numeric check.
func parseCounter(raw []byte) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Verify interface compliance.
var _ cache.Store = (*Store)(nil)
