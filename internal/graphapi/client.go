package graphapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mirovane/lookalike/internal/config"
)

// SimilarAccount is one candidate returned by the similar-accounts lookup.
type SimilarAccount struct {
	Username string
	FullName string
	Verified bool
}

// ProfileDetail is the upstream's current metadata for one username.
type ProfileDetail struct {
	Username       string
	FullName       string
	FollowerCount  int64
	FollowingCount int64
	MediaCount     int64
	Verified       bool
	Private        bool
}

// HashtagPost is one post under a hashtag reduced to what seeding
// needs: the extracted author username and the post's permalink.
// PostURL is empty when the upstream omits the shortcode.
type HashtagPost struct {
	Username string
	PostURL  string
}

// HashtagPage is one page of posts under a hashtag, plus the token for
// the next page (empty when exhausted).
type HashtagPage struct {
	Posts     []HashtagPost
	NextToken string
}

// Client issues lookups against the external profile-discovery service.
// It owns timeout, retry, and rate-limit policy; it never writes to
// storage. Construct one per process and inject it into the engine.
type Client struct {
	cfg     config.GraphAPIConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds a client from configuration. The zero rate limit is
// rejected by config validation, so the limiter is always active.
func NewClient(cfg config.GraphAPIConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:  logger.Named("graphapi"),
	}
}

// FetchSimilar returns up to limit candidate accounts related to seed.
// An upstream with no data yields an empty slice, not an error. After
// retries are exhausted the error is returned and the caller treats it
// as "no data for this node".
func (c *Client) FetchSimilar(ctx context.Context, seed string, limit int) ([]SimilarAccount, error) {
	endpoint := c.endpoint("/get_ig_similar_accounts.php", url.Values{"username_or_url": {seed}})

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("similar accounts lookup for %q: %w", seed, err)
	}

	// The upstream answers with a bare array on success and an object
	// carrying an "error" key when it has nothing for the seed.
	var raw []struct {
		Username string `json:"username"`
		FullName string `json:"full_name"`
		Verified bool   `json:"is_verified"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil
	}

	accounts := make([]SimilarAccount, 0, len(raw))
	for _, a := range raw {
		if a.Username == "" {
			continue
		}
		accounts = append(accounts, SimilarAccount{
			Username: a.Username,
			FullName: a.FullName,
			Verified: a.Verified,
		})
		if limit > 0 && len(accounts) >= limit {
			break
		}
	}
	return accounts, nil
}

// FetchProfileDetail returns the metadata for a username, or (nil, nil)
// when the upstream cannot resolve it.
func (c *Client) FetchProfileDetail(ctx context.Context, username string) (*ProfileDetail, error) {
	endpoint := c.endpoint("/ig_get_fb_profile_hover.php", url.Values{"username_or_url": {username}})

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("profile detail lookup for %q: %w", username, err)
	}

	var raw struct {
		UserData *struct {
			Username       string          `json:"username"`
			FullName       string          `json:"full_name"`
			FollowerCount  json.RawMessage `json:"follower_count"`
			FollowingCount json.RawMessage `json:"following_count"`
			MediaCount     json.RawMessage `json:"media_count"`
			Verified       bool            `json:"is_verified"`
			Private        bool            `json:"is_private"`
		} `json:"user_data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil || raw.UserData == nil {
		return nil, nil
	}

	u := raw.UserData
	detail := &ProfileDetail{
		Username:       u.Username,
		FullName:       u.FullName,
		FollowerCount:  parseCount(u.FollowerCount),
		FollowingCount: parseCount(u.FollowingCount),
		MediaCount:     parseCount(u.MediaCount),
		Verified:       u.Verified,
		Private:        u.Private,
	}
	if detail.Username == "" {
		detail.Username = username
	}
	return detail, nil
}

// FetchHashtagPosts returns one page of posts under a hashtag, keeping
// only those whose caption yields a username and deduplicating by
// username within the page, with the pagination token for the next
// page. Used only during seeding of combined runs.
func (c *Client) FetchHashtagPosts(ctx context.Context, hashtag, pageToken string) (HashtagPage, error) {
	params := url.Values{"hashtag": {strings.TrimPrefix(hashtag, "#")}}
	if pageToken != "" {
		params.Set("pagination_token", pageToken)
	}
	endpoint := c.endpoint("/search_hashtag.php", params)

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return HashtagPage{}, fmt.Errorf("hashtag lookup for %q: %w", hashtag, err)
	}

	var raw struct {
		Posts           postEdges `json:"posts"`
		TopPosts        postEdges `json:"top_posts"`
		PaginationToken string    `json:"pagination_token"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return HashtagPage{}, nil
	}

	seen := make(map[string]struct{})
	var posts []HashtagPost
	for _, edges := range [][]postEdge{raw.Posts.Edges, raw.TopPosts.Edges} {
		for _, e := range edges {
			username := ExtractUsername(e.Node.AccessibilityCaption)
			if username == "" {
				continue
			}
			if _, dup := seen[username]; dup {
				continue
			}
			seen[username] = struct{}{}
			post := HashtagPost{Username: username}
			if e.Node.Shortcode != "" {
				post.PostURL = "https://instagram.com/p/" + e.Node.Shortcode
			}
			posts = append(posts, post)
		}
	}

	return HashtagPage{Posts: posts, NextToken: raw.PaginationToken}, nil
}

type postEdge struct {
	Node struct {
		Shortcode            string `json:"shortcode"`
		AccessibilityCaption string `json:"accessibility_caption"`
	} `json:"node"`
}

type postEdges struct {
	Edges []postEdge `json:"edges"`
}

func (c *Client) endpoint(path string, params url.Values) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + params.Encode()
}

// statusError marks an HTTP status that should not be retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.code)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// getWithRetry performs a GET with the configured linear backoff
// schedule. Client errors other than 429 are permanent; 5xx, 429, and
// network failures are retried until the retry ceiling is reached.
func (c *Client) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("X-RapidAPI-Key", c.cfg.APIKey)
		req.Header.Set("X-RapidAPI-Host", c.cfg.APIHost)

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("Network error during graph API request, retrying", zap.Error(err))
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.logger.Warn("Transient upstream status, retrying",
				zap.Int("status", resp.StatusCode))
			return &statusError{code: resp.StatusCode}
		default:
			return backoff.Permanent(&statusError{code: resp.StatusCode})
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		return nil
	}

	// Linear schedule: the delay grows by cfg.RetryDelay per attempt,
	// cfg.MaxRetries retries after the initial attempt.
	b := backoff.WithMaxRetries(&linearBackOff{delay: c.cfg.RetryDelay}, c.cfg.MaxRetries)
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// linearBackOff waits delay after the first failure, 2*delay after the
// second, and so on.
type linearBackOff struct {
	delay time.Duration
	calls time.Duration
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.calls++
	return b.calls * b.delay
}

func (b *linearBackOff) Reset() { b.calls = 0 }

// parseCount accepts upstream count fields that arrive either as JSON
// numbers or as display strings like "12,345", "1.2M", or "980K".
func parseCount(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0
	}

	multiplier := int64(1)
	switch suffix := s[len(s)-1]; suffix {
	case 'K', 'k':
		multiplier, s = 1_000, s[:len(s)-1]
	case 'M', 'm':
		multiplier, s = 1_000_000, s[:len(s)-1]
	case 'B', 'b':
		multiplier, s = 1_000_000_000, s[:len(s)-1]
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f * float64(multiplier))
}
