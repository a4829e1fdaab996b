//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clickwork/dbstash/pkg/database/migrate"
	devicepg "github.com/clickwork/dbstash/pkg/device/postgres"
	"github.com/clickwork/dbstash/pkg/session"
)

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, migrate.Run(db))

	devices := devicepg.New(db, devicepg.Config{})
	store := New(db, devices, nil, Config{})

	t.Run("write creates row with device and read round-trips", func(t *testing.T) {
		st := session.NewState()
		st.SetDeviceID(testDeviceID)

		require.NoError(t, store.Write(ctx, st, testSessionID, map[string]any{"cart": "3 items"}))
		assert.Equal(t, session.PresencePresent, st.Presence())

		rec, err := store.Read(ctx, session.NewState(), testSessionID)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "3 items", rec["cart"])
		assert.NotContains(t, rec, "data")
	})

	t.Run("write without device is dropped", func(t *testing.T) {
		const orphanID = "f3b8a2f1-6f0e-4a24-8c25-6f4a3c2d1e0f"
		st := session.NewState()

		require.NoError(t, store.Write(ctx, st, orphanID, map[string]any{"a": 1}))

		rec, err := store.Read(ctx, session.NewState(), orphanID)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("login telemetry lands on the row", func(t *testing.T) {
		st := session.NewState()
		st.SetExists(true)
		id := &fakeIdentity{authID: 42, logins: 2}
		req := &fakeRequest{
			headers: map[string]string{"User-Agent": testUserAgent},
			inputs:  map[string]string{"os": "linux", "engine": "blink", "browser": "chrome"},
		}

		require.NoError(t, store.UpdateLoginInfo(ctx, st, req, testSessionID, id))
		assert.True(t, id.recorded)

		rec, err := store.Read(ctx, session.NewState(), testSessionID)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.EqualValues(t, 42, rec["user_id"])
		assert.EqualValues(t, 3, rec["login_times"])
		assert.Equal(t, testUserAgent, rec["user_agent"])
	})

	t.Run("destroy scrubs authenticated session", func(t *testing.T) {
		require.NoError(t, store.Destroy(ctx, testSessionID))

		rec, err := store.Read(ctx, session.NewState(), testSessionID)
		require.NoError(t, err)
		require.NotNil(t, rec, "authenticated row survives destroy")
		assert.NotContains(t, rec, "cart", "payload is scrubbed")
	})

	t.Run("gc removes stale anonymous sessions", func(t *testing.T) {
		const staleID = "a1d2c3b4-e5f6-4788-99aa-bbccddeeff00"
		st := session.NewState()
		st.SetDeviceID(testDeviceID)
		require.NoError(t, store.Write(ctx, st, staleID, map[string]any{"a": 1}))

		key, ok := session.DeriveKey(staleID)
		require.True(t, ok)
		_, err := db.ExecContext(ctx,
			"UPDATE sessions SET last_activity = $1 WHERE uint = $2",
			time.Now().Add(-48*time.Hour).Unix(), key)
		require.NoError(t, err)

		require.NoError(t, store.GC(ctx, 2*time.Hour))

		rec, err := store.Read(ctx, session.NewState(), staleID)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}
