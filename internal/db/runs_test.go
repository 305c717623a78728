package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawup/clawup/internal/models"
)

func testRun(id string, created time.Time) models.Run {
	return models.Run{
		ID:          id,
		Host:        "203.0.113.10",
		Port:        22,
		Username:    "ubuntu",
		Environment: "staging",
		Provider:    "anthropic",
		CreatedAt:   created,
	}
}

func TestCreateRun(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.CreateRun(ctx, testRun("run_1", created)))

		got, err := store.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.10", got.Host)
		assert.Equal(t, 22, got.Port)
		assert.Equal(t, "ubuntu", got.Username)
		assert.Equal(t, "staging", got.Environment)
		assert.Equal(t, "anthropic", got.Provider)
		assert.Equal(t, models.RunRunning, got.Status)
		assert.True(t, created.Equal(got.CreatedAt))
		assert.True(t, created.Equal(got.UpdatedAt))
		assert.Nil(t, got.FinishedAt)
		assert.Empty(t, got.AccessURL)
	})

	t.Run("duplicate id", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.CreateRun(ctx, testRun("run_1", created)))
		assert.Error(t, store.CreateRun(ctx, testRun("run_1", created)))
	})

	t.Run("missing id", func(t *testing.T) {
		store := openTestStore(t)
		assert.EqualError(t, store.CreateRun(ctx, testRun(" ", created)), "run id is required")
	})

	t.Run("missing host", func(t *testing.T) {
		store := openTestStore(t)
		run := testRun("run_1", created)
		run.Host = ""
		assert.EqualError(t, store.CreateRun(ctx, run), "run host is required")
	})

	t.Run("nil store", func(t *testing.T) {
		assert.EqualError(t, (*Store)(nil).CreateRun(ctx, testRun("x", created)), "db store is nil")
		assert.EqualError(t, (&Store{}).CreateRun(ctx, testRun("x", created)), "db store is nil")
	})
}

func TestGetRunNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetRun(context.Background(), "run_missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		require.NoError(t, store.CreateRun(ctx, testRun(id, base.Add(time.Duration(i)*time.Minute))))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run_c", runs[0].ID)
	assert.Equal(t, "run_b", runs[1].ID)

	_, err = store.ListRuns(ctx, 0)
	assert.EqualError(t, err, "limit must be positive")
}

func TestFinishRun(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.CreateRun(ctx, testRun("run_1", created)))
		finished := created.Add(3 * time.Minute)

		err := store.FinishRun(ctx, "run_1", RunResult{
			Status:       models.RunSucceeded,
			AccessURL:    "http://203.0.113.10:18789/?token=...",
			TokenHash:    "abc",
			WarningsJSON: `[{"kind":"readiness_timeout"}]`,
			FinishedAt:   finished,
		})
		require.NoError(t, err)

		got, err := store.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, models.RunSucceeded, got.Status)
		assert.Equal(t, "abc", got.TokenHash)
		assert.Equal(t, `[{"kind":"readiness_timeout"}]`, got.WarningsJSON)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, finished.Equal(*got.FinishedAt))
		assert.True(t, finished.Equal(got.UpdatedAt))
	})

	t.Run("failure keeps error", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.CreateRun(ctx, testRun("run_1", created)))
		require.NoError(t, store.FinishRun(ctx, "run_1", RunResult{Status: models.RunFailed, Error: "compose up failed"}))

		got, err := store.GetRun(ctx, "run_1")
		require.NoError(t, err)
		assert.Equal(t, models.RunFailed, got.Status)
		assert.Equal(t, "compose up failed", got.Error)
		assert.NotNil(t, got.FinishedAt)
	})

	t.Run("non-terminal status", func(t *testing.T) {
		store := openTestStore(t)
		err := store.FinishRun(ctx, "run_1", RunResult{Status: models.RunRunning})
		assert.EqualError(t, err, `run status "RUNNING" is not terminal`)
	})

	t.Run("unknown run", func(t *testing.T) {
		store := openTestStore(t)
		err := store.FinishRun(ctx, "run_missing", RunResult{Status: models.RunFailed})
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestFailInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateRun(ctx, testRun("run_running", created)))
	require.NoError(t, store.CreateRun(ctx, testRun("run_done", created)))
	require.NoError(t, store.FinishRun(ctx, "run_done", RunResult{Status: models.RunSucceeded}))

	n, err := store.FailInterruptedRuns(ctx, "daemon restarted", created.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetRun(ctx, "run_running")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "daemon restarted", got.Error)

	done, err := store.GetRun(ctx, "run_done")
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, done.Status)
}
