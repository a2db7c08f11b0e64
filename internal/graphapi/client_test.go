package graphapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mirovane/lookalike/internal/config"
)

func testClient(baseURL string) *Client {
	return NewClient(config.GraphAPIConfig{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		APIHost:    "test-host",
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		RateLimit:  1000,
	}, zap.NewNop())
}

func TestFetchSimilar(t *testing.T) {
	ctx := context.Background()

	t.Run("should parse accounts and honor the limit", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "test-key", r.Header.Get("X-RapidAPI-Key"))
			assert.Equal(t, "test-host", r.Header.Get("X-RapidAPI-Host"))
			assert.Equal(t, "edm_seed", r.URL.Query().Get("username_or_url"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[
				{"username": "beat_forge", "full_name": "Beat Forge", "is_verified": true},
				{"username": "mid_act", "full_name": "Mid Act"},
				{"username": "third_wheel"}
			]`))
		}))
		defer server.Close()

		accounts, err := testClient(server.URL).FetchSimilar(ctx, "edm_seed", 2)
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, "beat_forge", accounts[0].Username)
		assert.True(t, accounts[0].Verified)
	})

	t.Run("should treat an error-object body as no data", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error": "no similar accounts found"}`))
		}))
		defer server.Close()

		accounts, err := testClient(server.URL).FetchSimilar(ctx, "nobody", 10)
		require.NoError(t, err)
		assert.Empty(t, accounts)
	})

	t.Run("should skip entries without a username", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[{"full_name": "No Handle"}, {"username": "real_one"}]`))
		}))
		defer server.Close()

		accounts, err := testClient(server.URL).FetchSimilar(ctx, "seed", 10)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, "real_one", accounts[0].Username)
	})
}

func TestGetWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("should retry transient 5xx responses", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`[{"username": "recovered"}]`))
		}))
		defer server.Close()

		accounts, err := testClient(server.URL).FetchSimilar(ctx, "seed", 10)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, int32(2), attempts.Load())
	})

	t.Run("should retry 429 responses", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`[]`))
		}))
		defer server.Close()

		_, err := testClient(server.URL).FetchSimilar(ctx, "seed", 10)
		require.NoError(t, err)
		assert.Equal(t, int32(2), attempts.Load())
	})

	t.Run("should not retry other client errors", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		_, err := testClient(server.URL).FetchSimilar(ctx, "seed", 10)
		require.Error(t, err)
		assert.Equal(t, int32(1), attempts.Load(), "4xx must be permanent")
	})

	t.Run("should give up after the retry ceiling", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := testClient(server.URL).FetchSimilar(ctx, "seed", 10)
		require.Error(t, err)
		assert.Equal(t, int32(3), attempts.Load(), "initial attempt plus two retries")
	})
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{delay: 100 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff(), "reset must restart the schedule")
}

func TestFetchProfileDetail(t *testing.T) {
	ctx := context.Background()

	t.Run("should parse numeric and display-string counts", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "beat_forge", r.URL.Query().Get("username_or_url"))
			_, _ = w.Write([]byte(`{"user_data": {
				"username": "beat_forge",
				"full_name": "Beat Forge",
				"follower_count": "1.2M",
				"following_count": 310,
				"media_count": "1,842",
				"is_verified": true
			}}`))
		}))
		defer server.Close()

		detail, err := testClient(server.URL).FetchProfileDetail(ctx, "beat_forge")
		require.NoError(t, err)
		require.NotNil(t, detail)
		assert.Equal(t, int64(1_200_000), detail.FollowerCount)
		assert.Equal(t, int64(310), detail.FollowingCount)
		assert.Equal(t, int64(1842), detail.MediaCount)
		assert.True(t, detail.Verified)
	})

	t.Run("should return nil without error on 404", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		detail, err := testClient(server.URL).FetchProfileDetail(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, detail)
	})

	t.Run("should return nil without error when user_data is missing", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error": "unknown user"}`))
		}))
		defer server.Close()

		detail, err := testClient(server.URL).FetchProfileDetail(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, detail)
	})

	t.Run("should fall back to the requested username when absent in payload", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"user_data": {"follower_count": 42}}`))
		}))
		defer server.Close()

		detail, err := testClient(server.URL).FetchProfileDetail(ctx, "known_handle")
		require.NoError(t, err)
		require.NotNil(t, detail)
		assert.Equal(t, "known_handle", detail.Username)
	})
}

func TestFetchHashtagPosts(t *testing.T) {
	ctx := context.Background()

	t.Run("should extract distinct posts from both edge lists", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "housemusic", r.URL.Query().Get("hashtag"))
			assert.Empty(t, r.URL.Query().Get("pagination_token"))
			_, _ = w.Write([]byte(`{
				"posts": {"edges": [
					{"node": {"shortcode": "Cabc1", "accessibility_caption": "Photo by dj_one on May 12"}},
					{"node": {"accessibility_caption": "Photo shared by @dj_two on stage"}},
					{"node": {"shortcode": "Cabc3", "accessibility_caption": "no usable caption"}}
				]},
				"top_posts": {"edges": [
					{"node": {"shortcode": "Cabc4", "accessibility_caption": "Photo by dj_one on May 13"}}
				]},
				"pagination_token": "abc123"
			}`))
		}))
		defer server.Close()

		page, err := testClient(server.URL).FetchHashtagPosts(ctx, "#housemusic", "")
		require.NoError(t, err)
		assert.Equal(t, []HashtagPost{
			{Username: "dj_one", PostURL: "https://instagram.com/p/Cabc1"},
			{Username: "dj_two"},
		}, page.Posts)
		assert.Equal(t, "abc123", page.NextToken)
	})

	t.Run("should forward the pagination token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "abc123", r.URL.Query().Get("pagination_token"))
			_, _ = w.Write([]byte(`{"posts": {"edges": []}}`))
		}))
		defer server.Close()

		page, err := testClient(server.URL).FetchHashtagPosts(ctx, "housemusic", "abc123")
		require.NoError(t, err)
		assert.Empty(t, page.Posts)
		assert.Empty(t, page.NextToken)
	})
}

func TestParseCount(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int64
	}{
		{"plain number", `12345`, 12345},
		{"negative number clamped", `-5`, 0},
		{"string with commas", `"12,345"`, 12345},
		{"string with spaces", `"12 345"`, 12345},
		{"K suffix", `"980K"`, 980_000},
		{"lowercase k suffix", `"1.5k"`, 1500},
		{"M suffix with decimal", `"1.2M"`, 1_200_000},
		{"B suffix", `"2B"`, 2_000_000_000},
		{"empty string", `""`, 0},
		{"garbage string", `"lots"`, 0},
		{"null", `null`, 0},
		{"absent", ``, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseCount(json.RawMessage(tc.raw)))
		})
	}
}
