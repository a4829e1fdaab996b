// Package postgres provides PostgreSQL storage for sessions.
//
// One row holds both the serialized session payload and the login
// telemetry recorded for the session. Rows bound to an authenticated
// identity are never deleted: destroy and garbage collection scrub the
// payload but keep the row as an audit trail, while anonymous rows are
// removed outright.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/clickwork/dbstash/pkg/device"
	"github.com/clickwork/dbstash/pkg/geo"
	"github.com/clickwork/dbstash/pkg/session"
)

const (
	defaultTable = "sessions"

	// loginTimeLayout is the string form login_time is stored in.
	loginTimeLayout = "2006-01-02 15:04:05"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"uint", "data", "last_activity", "activity_long", "login_time",
	"login_times", "user_id", "device_uint", "user_agent", "ip_address",
	"ip_local", "local_change",
}

// sessionRow is the typed shape of one sessions row.
type sessionRow struct {
	Key          int64
	Data         sql.NullString
	LastActivity int64
	ActivityLong sql.NullInt64
	LoginTime    sql.NullString
	LoginTimes   sql.NullInt64
	UserID       sql.NullInt64
	DeviceKey    sql.NullInt64
	UserAgent    sql.NullString
	IPAddress    sql.NullString
	IPLocal      sql.NullString
	LocalChange  sql.NullBool
}

// Store implements session persistence using PostgreSQL. It holds no
// per-session mutable state; row-presence knowledge travels in the
// caller's session.State, so one Store serves concurrent handlers.
type Store struct {
	db      *sql.DB
	table   string
	devices device.Repository
	locator geo.Locator
	cancel  context.CancelFunc
	done    chan struct{}
}

// Config configures the PostgreSQL session store.
type Config struct {
	Table string
}

// New creates a new PostgreSQL session store. A nil locator disables
// region lookup for login telemetry.
func New(db *sql.DB, devices device.Repository, locator geo.Locator, cfg Config) *Store {
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if locator == nil {
		locator = geo.Noop()
	}
	return &Store{
		db:      db,
		table:   cfg.Table,
		devices: devices,
		locator: locator,
	}
}

// Open is a lifecycle no-op retained for session-handler compatibility.
func (*Store) Open(context.Context) error {
	return nil
}

// Read returns the merged record for sessionID, or nil when the row does
// not exist or the identifier is malformed. A hit marks the state as
// present; a miss leaves presence unresolved so a later Write can still
// discover a row created by a concurrent request.
func (s *Store) Read(ctx context.Context, st *session.State, sessionID string) (session.Record, error) {
	key, ok := session.DeriveKey(sessionID)
	if !ok {
		return nil, nil
	}

	row, err := s.find(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	st.SetExists(true)
	return mergeRecord(row)
}

// Write persists payload under sessionID. Malformed identifiers are
// silently dropped. When row presence is unknown, a read resolves it
// first so a row created elsewhere is updated instead of duplicated. A
// brand-new row is inserted only when the state carries a derivable
// device UUID; without one the write is dropped to avoid orphan rows
// with no fingerprint linkage.
func (s *Store) Write(ctx context.Context, st *session.State, sessionID string, payload map[string]any) error {
	key, ok := session.DeriveKey(sessionID)
	if !ok {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding session payload: %w", err)
	}

	now := time.Now()
	patch := map[string]any{
		"data":          string(raw),
		"last_activity": now.Unix(),
	}
	if login := st.LoginTime(); !login.IsZero() {
		patch["activity_long"] = int64(now.Sub(login).Seconds())
	}

	if st.Presence() == session.PresenceUnknown {
		if _, err := s.Read(ctx, st, sessionID); err != nil {
			return err
		}
	}

	if st.Presence() == session.PresencePresent {
		return s.update(ctx, key, patch)
	}

	deviceKey, ok := session.DeriveKey(st.DeviceID())
	if !ok {
		slog.Debug("session write dropped, no device fingerprint", "session_key", key)
		return nil
	}
	dev, err := s.devices.FindOrCreate(ctx, deviceKey)
	if err != nil {
		return fmt.Errorf("resolving device fingerprint: %w", err)
	}

	patch["uint"] = key
	patch["device_uint"] = dev.Key
	if err := s.insert(ctx, patch); err != nil {
		return err
	}
	st.SetExists(true)
	return nil
}

// UpdateLoginInfo records a successful authentication against the
// session row and the identity. It is a no-op for a nil identity or a
// malformed session identifier. The device fingerprint row is created on
// demand and its descriptive fields are filled once from the request.
func (s *Store) UpdateLoginInfo(ctx context.Context, st *session.State, req session.Request, sessionID string, id session.Identity) error {
	if id == nil {
		return nil
	}
	key, ok := session.DeriveKey(sessionID)
	if !ok {
		return nil
	}

	now := time.Now()
	patch := map[string]any{
		"last_activity": now.Unix(),
		"user_id":       id.AuthID(),
		"login_times":   id.Logins() + 1,
		"login_time":    now.Format(loginTimeLayout),
		"activity_long": int64(1),
		"user_agent":    req.Header("User-Agent"),
	}

	var region string
	ip := req.IP()
	if ip != "" {
		patch["ip_address"] = ip
		loc, err := s.locator.Locate(ip)
		if err != nil {
			// A failed lookup leaves ip_local unset, never fails the write.
			slog.Debug("region lookup failed", "ip", ip, "error", err)
		} else {
			region = loc
		}
		if region != "" {
			patch["ip_local"] = region
		}
		patch["local_change"] = region != id.LastRegion()
	}

	if err := id.RecordLogin(ctx, now, ip, region); err != nil {
		return fmt.Errorf("recording identity login: %w", err)
	}

	var dev *device.Device
	if st.Presence() == session.PresencePresent {
		if err := s.update(ctx, key, patch); err != nil {
			return err
		}
	} else if deviceKey, ok := session.DeriveKey(st.DeviceID()); ok {
		var err error
		dev, err = s.devices.FindOrCreate(ctx, deviceKey)
		if err != nil {
			return fmt.Errorf("resolving device fingerprint: %w", err)
		}
		patch["uint"] = key
		patch["device_uint"] = dev.Key
		if err := s.insert(ctx, patch); err != nil {
			return err
		}
		st.SetExists(true)
	}
	st.SetLoginTime(now)

	if deviceKey, ok := session.DeriveKey(st.DeviceID()); ok {
		if dev == nil {
			var err error
			dev, err = s.devices.FindOrCreate(ctx, deviceKey)
			if err != nil {
				return fmt.Errorf("resolving device fingerprint: %w", err)
			}
		}
		err := s.devices.FillMissing(ctx, dev.Key,
			req.Input("os"), req.Input("engine"), req.Input("browser"))
		if err != nil {
			return fmt.Errorf("filling device fields: %w", err)
		}
	}
	return nil
}

// Destroy removes the row for sessionID when it is anonymous. A row bound
// to an authenticated identity survives with its payload scrubbed.
func (s *Store) Destroy(ctx context.Context, sessionID string) error {
	key, ok := session.DeriveKey(sessionID)
	if !ok {
		return nil
	}

	del, args, err := psq.Delete(s.table).
		Where(sq.Eq{"uint": key, "user_id": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	scrub, args, err := psq.Update(s.table).
		Set("data", nil).
		Where(sq.Eq{"uint": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session scrub: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, scrub, args...); err != nil {
		return fmt.Errorf("scrubbing session: %w", err)
	}
	return nil
}

// GC sweeps sessions idle longer than maxAge: anonymous stale rows are
// deleted, then every remaining stale row has its payload scrubbed.
func (s *Store) GC(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).Unix()

	del, args, err := psq.Delete(s.table).
		Where(sq.LtOrEq{"last_activity": cutoff}).
		Where(sq.Eq{"user_id": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building gc delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("deleting stale sessions: %w", err)
	}

	scrub, args, err := psq.Update(s.table).
		Set("data", nil).
		Where(sq.LtOrEq{"last_activity": cutoff}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building gc scrub: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, scrub, args...); err != nil {
		return fmt.Errorf("scrubbing stale sessions: %w", err)
	}
	return nil
}

// StartGCRoutine starts a background goroutine that periodically sweeps
// sessions idle longer than maxAge. The goroutine is stopped when Close
// is called.
func (s *Store) StartGCRoutine(interval, maxAge time.Duration) {
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
				if err := s.GC(ctx, maxAge); err != nil {
					slog.Warn("session gc failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the gc goroutine and waits for it to exit. It is safe to
// call Close even if StartGCRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// find loads one session row, or nil when absent.
func (s *Store) find(ctx context.Context, key int64) (*sessionRow, error) {
	query, args, err := psq.Select(sessionColumns...).
		From(s.table).
		Where(sq.Eq{"uint": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session select: %w", err)
	}

	var row sessionRow
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&row.Key,
		&row.Data,
		&row.LastActivity,
		&row.ActivityLong,
		&row.LoginTime,
		&row.LoginTimes,
		&row.UserID,
		&row.DeviceKey,
		&row.UserAgent,
		&row.IPAddress,
		&row.IPLocal,
		&row.LocalChange,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // absent rows are not an error
	}
	if err != nil {
		return nil, fmt.Errorf("selecting session: %w", err)
	}
	return &row, nil
}

// insert creates a new session row from the patch columns.
func (s *Store) insert(ctx context.Context, patch map[string]any) error {
	query, args, err := psq.Insert(s.table).SetMap(patch).ToSql()
	if err != nil {
		return fmt.Errorf("building session insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// update applies the patch columns to the row for key.
func (s *Store) update(ctx context.Context, key int64, patch map[string]any) error {
	query, args, err := psq.Update(s.table).
		SetMap(patch).
		Where(sq.Eq{"uint": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// mergeRecord combines the decoded payload with the row's metadata
// columns. NULL columns are omitted and the raw data column is never
// included.
func mergeRecord(row *sessionRow) (session.Record, error) {
	rec := session.Record{}
	if row.Data.Valid && row.Data.String != "" {
		if err := json.Unmarshal([]byte(row.Data.String), &rec); err != nil {
			return nil, fmt.Errorf("decoding session payload: %w", err)
		}
	}

	rec["uint"] = row.Key
	rec["last_activity"] = row.LastActivity
	if row.ActivityLong.Valid {
		rec["activity_long"] = row.ActivityLong.Int64
	}
	if row.LoginTime.Valid {
		rec["login_time"] = row.LoginTime.String
	}
	if row.LoginTimes.Valid {
		rec["login_times"] = row.LoginTimes.Int64
	}
	if row.UserID.Valid {
		rec["user_id"] = row.UserID.Int64
	}
	if row.DeviceKey.Valid {
		rec["device_uint"] = row.DeviceKey.Int64
	}
	if row.UserAgent.Valid {
		rec["user_agent"] = row.UserAgent.String
	}
	if row.IPAddress.Valid {
		rec["ip_address"] = row.IPAddress.String
	}
	if row.IPLocal.Valid {
		rec["ip_local"] = row.IPLocal.String
	}
	if row.LocalChange.Valid {
		rec["local_change"] = row.LocalChange.Bool
	}
	return rec, nil
}
