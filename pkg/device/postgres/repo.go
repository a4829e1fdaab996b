// Package postgres provides PostgreSQL storage for device fingerprints.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/clickwork/dbstash/pkg/device"
)

const defaultTable = "devices"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repo implements device.Repository using PostgreSQL.
type Repo struct {
	db    *sql.DB
	table string
}

// Config configures the PostgreSQL device repository.
type Config struct {
	Table string
}

// New creates a new PostgreSQL device repository.
func New(db *sql.DB, cfg Config) *Repo {
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	return &Repo{
		db:    db,
		table: cfg.Table,
	}
}

// FindOrCreate returns the fingerprint row for key, creating it when
// absent. The insert is conflict-tolerant, so two requests racing on a
// brand-new device both land on the same row.
func (r *Repo) FindOrCreate(ctx context.Context, key int64) (*device.Device, error) {
	insert, args, err := psq.Insert(r.table).
		Columns("uint").
		Values(key).
		Suffix("ON CONFLICT (uint) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building device insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, insert, args...); err != nil {
		return nil, fmt.Errorf("inserting device: %w", err)
	}

	return r.find(ctx, key)
}

// FillMissing fills still-unset descriptive fields from the given values.
// Already-populated fields are left untouched; when nothing would change,
// no update is issued.
func (r *Repo) FillMissing(ctx context.Context, key int64, osName, engine, browser string) error {
	dev, err := r.find(ctx, key)
	if err != nil {
		return err
	}

	patch := map[string]any{}
	if dev.OS == "" && osName != "" {
		patch["os"] = osName
	}
	if dev.Engine == "" && engine != "" {
		patch["engine"] = engine
	}
	if dev.Browser == "" && browser != "" {
		patch["browser"] = browser
	}
	if len(patch) == 0 {
		return nil
	}

	update, args, err := psq.Update(r.table).
		SetMap(patch).
		Where(sq.Eq{"uint": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building device update: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, update, args...); err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return nil
}

// find loads one fingerprint row.
func (r *Repo) find(ctx context.Context, key int64) (*device.Device, error) {
	query, args, err := psq.Select("uint", "os", "engine", "browser").
		From(r.table).
		Where(sq.Eq{"uint": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building device select: %w", err)
	}

	var dev device.Device
	var osName, engine, browser sql.NullString
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&dev.Key, &osName, &engine, &browser)
	if err != nil {
		return nil, fmt.Errorf("selecting device: %w", err)
	}

	dev.OS = osName.String
	dev.Engine = engine.String
	dev.Browser = browser.String
	return &dev, nil
}

// Verify interface compliance.
var _ device.Repository = (*Repo)(nil)
