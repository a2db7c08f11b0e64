package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/mirovane/lookalike/api/schemas"
)

// ProfileUpsert carries the latest observed metadata for one username
// plus the discovery context of this sighting.
type ProfileUpsert struct {
	Username        string
	FullName        string
	FollowerCount   int64
	FollowingCount  int64
	MediaCount      int64
	Verified        bool
	Private         bool
	ProfileURL      string
	DiscoveryVector string
	Category        string
}

const upsertProfileSQL = `
INSERT INTO profiles (
    username, full_name, follower_count, following_count, media_count,
    verified, private, profile_url, discovery_vectors, primary_category,
    discovery_count, last_seen
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8,
    CASE WHEN $9::text = '' THEN '{}'::text[] ELSE ARRAY[$9::text] END,
    $10, 1, now()
)
ON CONFLICT (username) DO UPDATE SET
    full_name       = EXCLUDED.full_name,
    follower_count  = EXCLUDED.follower_count,
    following_count = EXCLUDED.following_count,
    media_count     = EXCLUDED.media_count,
    verified        = EXCLUDED.verified,
    private         = EXCLUDED.private,
    profile_url     = EXCLUDED.profile_url,
    discovery_vectors = CASE
        WHEN $9::text = '' OR profiles.discovery_vectors @> ARRAY[$9::text]
            THEN profiles.discovery_vectors
        ELSE profiles.discovery_vectors || ARRAY[$9::text]
    END,
    primary_category = CASE
        WHEN profiles.primary_category = '' THEN EXCLUDED.primary_category
        ELSE profiles.primary_category
    END,
    discovery_count = profiles.discovery_count + 1,
    last_seen       = now()
RETURNING id, username, full_name, follower_count, following_count,
    media_count, verified, private, profile_url, discovery_vectors,
    primary_category, discovery_count, last_seen;
`

// UpsertProfile records one sighting of a username. First sightings
// insert a fresh row with discovery_count = 1; re-discoveries replace
// the metric fields with the latest values, union the discovery vector
// into the accumulated set, keep the first-assigned category, and
// increment the counter. This merge policy is what makes discovery
// counts and vectors meaningful across repeated runs.
func (s *Store) UpsertProfile(ctx context.Context, in ProfileUpsert) (*schemas.Profile, error) {
	row := s.pool.QueryRow(ctx, upsertProfileSQL,
		in.Username, in.FullName, in.FollowerCount, in.FollowingCount,
		in.MediaCount, in.Verified, in.Private, in.ProfileURL,
		in.DiscoveryVector, in.Category,
	)

	var p schemas.Profile
	err := row.Scan(
		&p.ID, &p.Username, &p.FullName, &p.FollowerCount, &p.FollowingCount,
		&p.MediaCount, &p.Verified, &p.Private, &p.ProfileURL,
		&p.DiscoveryVectors, &p.PrimaryCategory, &p.DiscoveryCount, &p.LastSeen,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile %q: %w", in.Username, err)
	}
	return &p, nil
}

// ProfileFilter narrows ListProfiles output.
type ProfileFilter struct {
	Category     string
	MinFollowers int64
	Limit        int
	Offset       int
}

// ListProfiles returns profiles matching the filter, most followed first.
func (s *Store) ListProfiles(ctx context.Context, filter ProfileFilter) ([]schemas.Profile, error) {
	var conditions []string
	var args []interface{}
	argCount := 1

	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("primary_category = $%d", argCount))
		args = append(args, filter.Category)
		argCount++
	}
	if filter.MinFollowers > 0 {
		conditions = append(conditions, fmt.Sprintf("follower_count >= $%d", argCount))
		args = append(args, filter.MinFollowers)
		argCount++
	}

	query := `SELECT id, username, full_name, follower_count, following_count,
    media_count, verified, private, profile_url, discovery_vectors,
    primary_category, discovery_count, last_seen FROM profiles`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY follower_count DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argCount)
	args = append(args, limit)
	argCount++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []schemas.Profile
	for rows.Next() {
		var p schemas.Profile
		if err := rows.Scan(
			&p.ID, &p.Username, &p.FullName, &p.FollowerCount, &p.FollowingCount,
			&p.MediaCount, &p.Verified, &p.Private, &p.ProfileURL,
			&p.DiscoveryVectors, &p.PrimaryCategory, &p.DiscoveryCount, &p.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during profile row iteration: %w", err)
	}
	return profiles, nil
}

// ListCategories returns the distinct primary categories with profile counts.
func (s *Store) ListCategories(ctx context.Context) ([]schemas.CategoryCount, error) {
	query := `SELECT primary_category, COUNT(*) FROM profiles
    WHERE primary_category <> ''
    GROUP BY primary_category
    ORDER BY COUNT(*) DESC, primary_category ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []schemas.CategoryCount
	for rows.Next() {
		var c schemas.CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan category row: %w", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during category row iteration: %w", err)
	}
	return categories, nil
}
