package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	k := Key("P1", "RX-1")
	assert.Len(t, k, 64)
	assert.Equal(t, k, Key(" P1 ", "RX-1"))
	assert.NotEqual(t, k, Key("P1", "RX-2"))
	assert.NotEqual(t, k, Key("P2", "RX-1"))
	assert.NotEqual(t, Key("P1|RX", "1"), Key("P1", "RX|1"), "separator is part of the key")
}

func TestDefaultConfig(t *testing.T) {
	in := New(nil, Config{}, nil)
	assert.Equal(t, DefaultConfig().TTL, in.config.TTL)
	assert.Equal(t, DefaultConfig().CleanupInterval, in.config.CleanupInterval)
	assert.Equal(t, DefaultConfig().RecoveryTimeout, in.config.RecoveryTimeout)
}

var errInvalid = errors.New("invalid prescription")

func testInbox(t *testing.T) *Inbox {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS inbox (
			idempotency_key TEXT PRIMARY KEY,
			handler_name    TEXT NOT NULL,
			status          TEXT NOT NULL,
			payload         JSONB,
			result          JSONB,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at      TIMESTAMPTZ
		)`)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, errInvalid) }
	return New(pool, cfg, nil)
}

func TestProcessReplaysFinishedKey(t *testing.T) {
	in := testInbox(t)
	ctx := context.Background()
	key := Key("P1", uuid.NewString())

	calls := 0
	handler := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"risk_level":"NONE"}`), nil
	}

	first, err := in.Process(ctx, key, "test", json.RawMessage(`{}`), handler)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := in.Process(ctx, key, "test", json.RawMessage(`{}`), handler)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, `{"risk_level":"NONE"}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRetriesRecoverableFailures(t *testing.T) {
	in := testInbox(t)
	ctx := context.Background()
	key := Key("P1", uuid.NewString())

	_, err := in.Process(ctx, key, "test", nil, func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("database unavailable")
	})
	require.Error(t, err)

	out, err := in.Process(ctx, key, "test", nil, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, out.WasRecovered)
}

func TestProcessStopsOnTerminalFailure(t *testing.T) {
	in := testInbox(t)
	ctx := context.Background()
	key := Key("P1", uuid.NewString())

	_, err := in.Process(ctx, key, "test", nil, func(context.Context) (json.RawMessage, error) {
		return nil, errInvalid
	})
	require.ErrorIs(t, err, errInvalid)

	_, err = in.Process(ctx, key, "test", nil, func(context.Context) (json.RawMessage, error) {
		t.Fatal("handler must not run again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)

	stats, err := in.GetStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Failed, int64(1))
}
