package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirovane/lookalike/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var runColumns = []string{
	"id", "type", "input", "config", "status", "current_layer",
	"api_calls", "stats", "created_at", "updated_at", "completed_at",
}

var profileColumns = []string{
	"id", "username", "full_name", "follower_count", "following_count",
	"media_count", "verified", "private", "profile_url", "discovery_vectors",
	"primary_category", "discovery_count", "last_seen",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	store, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return mockPool, store
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestUpsertProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert a fresh profile and return the stored row", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		now := time.Now().UTC()
		in := ProfileUpsert{
			Username:        "beat_forge",
			FullName:        "Beat Forge",
			FollowerCount:   125000,
			FollowingCount:  310,
			MediaCount:      842,
			Verified:        true,
			ProfileURL:      "https://instagram.com/beat_forge",
			DiscoveryVector: "similar:edm_seed",
			Category:        "edm_seed",
		}

		rows := pgxmock.NewRows(profileColumns).
			AddRow(int64(7), in.Username, in.FullName, in.FollowerCount,
				in.FollowingCount, in.MediaCount, true, false, in.ProfileURL,
				[]string{"similar:edm_seed"}, "edm_seed", 1, now)

		mockPool.ExpectQuery(flexibleSQLMatcher(upsertProfileSQL)).
			WithArgs(in.Username, in.FullName, in.FollowerCount, in.FollowingCount,
				in.MediaCount, in.Verified, in.Private, in.ProfileURL,
				in.DiscoveryVector, in.Category).
			WillReturnRows(rows)

		p, err := store.UpsertProfile(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, int64(7), p.ID)
		assert.Equal(t, "beat_forge", p.Username)
		assert.Equal(t, []string{"similar:edm_seed"}, p.DiscoveryVectors)
		assert.Equal(t, 1, p.DiscoveryCount)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should surface the merged row on re-discovery", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		in := ProfileUpsert{
			Username:        "beat_forge",
			FollowerCount:   126500,
			DiscoveryVector: "#housemusic",
			Category:        "housemusic",
		}

		// The merge happens in SQL; the store just reports what came back:
		// latest metrics, unioned vectors, retained category, bumped counter.
		rows := pgxmock.NewRows(profileColumns).
			AddRow(int64(7), "beat_forge", "Beat Forge", int64(126500), int64(0),
				int64(0), false, false, "", []string{"similar:edm_seed", "#housemusic"},
				"edm_seed", 2, time.Now().UTC())

		mockPool.ExpectQuery(flexibleSQLMatcher(upsertProfileSQL)).
			WithArgs(in.Username, in.FullName, in.FollowerCount, in.FollowingCount,
				in.MediaCount, in.Verified, in.Private, in.ProfileURL,
				in.DiscoveryVector, in.Category).
			WillReturnRows(rows)

		p, err := store.UpsertProfile(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, int64(126500), p.FollowerCount)
		assert.Equal(t, []string{"similar:edm_seed", "#housemusic"}, p.DiscoveryVectors)
		assert.Equal(t, "edm_seed", p.PrimaryCategory, "first-assigned category must survive")
		assert.Equal(t, 2, p.DiscoveryCount)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap scan errors with the username", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		dbErr := errors.New("connection reset")
		mockPool.ExpectQuery(flexibleSQLMatcher(upsertProfileSQL)).
			WithArgs("ghost", "", int64(0), int64(0), int64(0), false, false, "", "", "").
			WillReturnError(dbErr)

		_, err := store.UpsertProfile(ctx, ProfileUpsert{Username: "ghost"})
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.Contains(t, err.Error(), `"ghost"`)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert a pending run with its config blob", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		cfg := schemas.RunConfig{
			MinFollowers: 5000,
			SimilarCount: 20,
			MaxLayers:    3,
			HashtagPages: 3,
			SeedCap:      20,
			LayerFanout:  10,
			Concurrency:  4,
		}
		cfgJSON, err := json.Marshal(cfg)
		require.NoError(t, err)

		now := time.Now().UTC()
		rows := pgxmock.NewRows(runColumns).
			AddRow("run-1", "similar", "edm_seed", cfgJSON, "pending",
				0, 0, []byte(`{}`), now, now, nil)

		mockPool.ExpectQuery(flexibleSQLMatcher(createRunSQL)).
			WithArgs(pgxmock.AnyArg(), "similar", "edm_seed", cfgJSON).
			WillReturnRows(rows)

		run, err := store.CreateRun(ctx, schemas.RunTypeSimilar, "edm_seed", cfg)
		require.NoError(t, err)
		assert.Equal(t, schemas.RunStatusPending, run.Status)
		assert.Equal(t, cfg, run.Config)
		assert.Equal(t, 0, run.CurrentLayer)
		assert.Nil(t, run.CompletedAt)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should map missing runs to ErrNotFound", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		runID := uuid.NewString()
		mockPool.ExpectQuery(flexibleSQLMatcher(getRunSQL)).
			WithArgs(runID).
			WillReturnRows(pgxmock.NewRows(runColumns))

		_, err := store.GetRun(ctx, runID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestStartRun(t *testing.T) {
	ctx := context.Background()

	t.Run("should move a pending run to running", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(startRunSQL)).
			WithArgs("run-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.StartRun(ctx, "run-1"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return ErrConflict when the run is not pending", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(startRunSQL)).
			WithArgs("run-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		now := time.Now().UTC()
		mockPool.ExpectQuery(flexibleSQLMatcher(getRunSQL)).
			WithArgs("run-1").
			WillReturnRows(pgxmock.NewRows(runColumns).
				AddRow("run-1", "similar", "edm_seed", []byte(`{}`), "running",
					1, 4, []byte(`{}`), now, now, nil))

		err := store.StartRun(ctx, "run-1")
		assert.ErrorIs(t, err, ErrConflict,
			"second trigger of the same run must lose the race cleanly")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return ErrNotFound for unknown run ids", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(startRunSQL)).
			WithArgs("missing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectQuery(flexibleSQLMatcher(getRunSQL)).
			WithArgs("missing").
			WillReturnRows(pgxmock.NewRows(runColumns))

		assert.ErrorIs(t, store.StartRun(ctx, "missing"), ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestTransitionRun(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject transitions back to pending without touching the database", func(t *testing.T) {
		_, store := newMockStore(t)

		err := store.TransitionRun(ctx, "run-1", schemas.RunStatusPending, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("should merge the stats patch and mark completion", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		patch := schemas.RunStats{"total_inserted": 12, "layers_completed": 3}
		patchJSON, err := json.Marshal(patch)
		require.NoError(t, err)

		mockPool.ExpectExec(flexibleSQLMatcher(transitionRunSQL)).
			WithArgs("run-1", "completed", patchJSON).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.TransitionRun(ctx, "run-1", schemas.RunStatusCompleted, patch))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return ErrInvalidTransition when leaving a terminal state", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(transitionRunSQL)).
			WithArgs("run-1", "running", []byte(`{}`)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		now := time.Now().UTC()
		mockPool.ExpectQuery(flexibleSQLMatcher(getRunSQL)).
			WithArgs("run-1").
			WillReturnRows(pgxmock.NewRows(runColumns).
				AddRow("run-1", "similar", "edm_seed", []byte(`{}`), "failed",
					2, 9, []byte(`{"error":"boom"}`), now, now, &now))

		err := store.TransitionRun(ctx, "run-1", schemas.RunStatusRunning, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestUpdateRunProgress(t *testing.T) {
	t.Run("should persist layer and call counters", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		patch := schemas.RunStats{"layer_1_found": 8}
		patchJSON, err := json.Marshal(patch)
		require.NoError(t, err)

		mockPool.ExpectExec(flexibleSQLMatcher(updateRunProgressSQL)).
			WithArgs("run-1", 1, 21, patchJSON).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.UpdateRunProgress(context.Background(), "run-1", 1, 21, patch))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestLinkProfile(t *testing.T) {
	ctx := context.Background()
	in := LinkInput{
		RunID:     "run-1",
		ProfileID: 7,
		Layer:     1,
		Method:    schemas.MethodSimilarAccounts,
		FoundFrom: "similar:edm_seed",
		PostURL:   "https://instagram.com/p/Cxyz9",
	}

	t.Run("should report created on first insert", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(linkProfileSQL)).
			WithArgs(in.RunID, in.ProfileID, in.Layer, "similar_accounts", in.FoundFrom, in.PostURL).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		created, err := store.LinkProfile(ctx, in)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should be a no-op on the same context key", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(linkProfileSQL)).
			WithArgs(in.RunID, in.ProfileID, in.Layer, "similar_accounts", in.FoundFrom, in.PostURL).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		created, err := store.LinkProfile(ctx, in)
		require.NoError(t, err)
		assert.False(t, created)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestListProfiles(t *testing.T) {
	ctx := context.Background()

	t.Run("should apply category and follower filters", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		expectedSQL := `SELECT id, username, full_name, follower_count, following_count,
    media_count, verified, private, profile_url, discovery_vectors,
    primary_category, discovery_count, last_seen FROM profiles WHERE primary_category = $1 AND follower_count >= $2 ORDER BY follower_count DESC LIMIT $3`

		now := time.Now().UTC()
		rows := pgxmock.NewRows(profileColumns).
			AddRow(int64(1), "big_account", "Big", int64(900000), int64(10),
				int64(50), true, false, "", []string{"similar:edm_seed"}, "edm_seed", 3, now).
			AddRow(int64(2), "mid_account", "Mid", int64(15000), int64(200),
				int64(120), false, false, "", []string{"#housemusic"}, "edm_seed", 1, now)

		mockPool.ExpectQuery(flexibleSQLMatcher(expectedSQL)).
			WithArgs("edm_seed", int64(10000), 25).
			WillReturnRows(rows)

		profiles, err := store.ListProfiles(ctx, ProfileFilter{
			Category:     "edm_seed",
			MinFollowers: 10000,
			Limit:        25,
		})
		require.NoError(t, err)
		require.Len(t, profiles, 2)
		assert.Equal(t, "big_account", profiles[0].Username,
			"results must come back most followed first")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should default the limit when unset", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		expectedSQL := `SELECT id, username, full_name, follower_count, following_count,
    media_count, verified, private, profile_url, discovery_vectors,
    primary_category, discovery_count, last_seen FROM profiles ORDER BY follower_count DESC LIMIT $1`

		mockPool.ExpectQuery(flexibleSQLMatcher(expectedSQL)).
			WithArgs(50).
			WillReturnRows(pgxmock.NewRows(profileColumns))

		profiles, err := store.ListProfiles(ctx, ProfileFilter{})
		require.NoError(t, err)
		assert.Empty(t, profiles)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestListRuns(t *testing.T) {
	t.Run("should include the linked profile count per run", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		now := time.Now().UTC()
		columns := append(append([]string{}, runColumns...), "profile_count")
		rows := pgxmock.NewRows(columns).
			AddRow("run-2", "combined", "#housemusic", []byte(`{}`), "completed",
				3, 40, []byte(`{"total_inserted":12}`), now, now, &now, int64(12)).
			AddRow("run-1", "similar", "edm_seed", []byte(`{}`), "failed",
				1, 5, []byte(`{"error":"upstream"}`), now.Add(-time.Hour), now, &now, int64(3))

		mockPool.ExpectQuery(flexibleSQLMatcher(listRunsSQL)).
			WithArgs(20).
			WillReturnRows(rows)

		runs, err := store.ListRuns(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, int64(12), runs[0].ProfileCount)
		assert.Equal(t, float64(12), runs[0].Stats["total_inserted"])
		assert.Equal(t, "upstream", runs[1].Stats["error"])
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestListRunProfiles(t *testing.T) {
	t.Run("should join provenance onto profile rows", func(t *testing.T) {
		mockPool, store := newMockStore(t)

		now := time.Now().UTC()
		columns := append(append([]string{}, profileColumns...),
			"layer", "method", "found_from", "post_url")
		rows := pgxmock.NewRows(columns).
			AddRow(int64(7), "beat_forge", "Beat Forge", int64(125000), int64(0),
				int64(0), true, false, "", []string{"similar:edm_seed"}, "edm_seed", 1, now,
				1, "similar_accounts", "similar:edm_seed", "")

		mockPool.ExpectQuery(flexibleSQLMatcher(listRunProfilesSQL)).
			WithArgs("run-1").
			WillReturnRows(rows)

		linked, err := store.ListRunProfiles(context.Background(), "run-1")
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.Equal(t, 1, linked[0].Layer)
		assert.Equal(t, schemas.MethodSimilarAccounts, linked[0].Method)
		assert.Equal(t, "similar:edm_seed", linked[0].FoundFrom)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
