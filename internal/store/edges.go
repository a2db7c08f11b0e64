package store

import (
	"context"
	"fmt"

	"github.com/mirovane/lookalike/api/schemas"
)

// LinkInput identifies one provenance edge between a run and a profile.
type LinkInput struct {
	RunID     string
	ProfileID int64
	Layer     int
	Method    schemas.DiscoveryMethod
	FoundFrom string
	PostURL   string
}

const linkProfileSQL = `
INSERT INTO run_profiles (run_id, profile_id, layer, method, found_from, post_url)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT ON CONSTRAINT run_profiles_context_key DO NOTHING;
`

// LinkProfile records that a run discovered a profile at a given layer
// via a given method and upstream seed. Idempotent on the composite
// context key: re-linking the same (run, profile, method, foundFrom) is
// a no-op and reports created=false.
func (s *Store) LinkProfile(ctx context.Context, in LinkInput) (created bool, err error) {
	tag, err := s.pool.Exec(ctx, linkProfileSQL,
		in.RunID, in.ProfileID, in.Layer, string(in.Method), in.FoundFrom, in.PostURL)
	if err != nil {
		return false, fmt.Errorf("failed to link profile %d to run %s: %w", in.ProfileID, in.RunID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const listRunProfilesSQL = `
SELECT p.id, p.username, p.full_name, p.follower_count, p.following_count,
    p.media_count, p.verified, p.private, p.profile_url,
    p.discovery_vectors, p.primary_category, p.discovery_count, p.last_seen,
    rp.layer, rp.method, rp.found_from, rp.post_url
FROM run_profiles rp
JOIN profiles p ON p.id = rp.profile_id
WHERE rp.run_id = $1
ORDER BY rp.layer ASC, p.follower_count DESC;
`

// ListRunProfiles returns the profiles linked to a run joined with their
// provenance, ordered by layer ascending then follower count descending.
func (s *Store) ListRunProfiles(ctx context.Context, runID string) ([]schemas.LinkedProfile, error) {
	rows, err := s.pool.Query(ctx, listRunProfilesSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run profiles: %w", err)
	}
	defer rows.Close()

	var linked []schemas.LinkedProfile
	for rows.Next() {
		var lp schemas.LinkedProfile
		if err := rows.Scan(
			&lp.ID, &lp.Username, &lp.FullName, &lp.FollowerCount,
			&lp.FollowingCount, &lp.MediaCount, &lp.Verified, &lp.Private,
			&lp.ProfileURL, &lp.DiscoveryVectors, &lp.PrimaryCategory,
			&lp.DiscoveryCount, &lp.LastSeen,
			&lp.Layer, &lp.Method, &lp.FoundFrom, &lp.PostURL,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run profile row: %w", err)
		}
		linked = append(linked, lp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during run profile iteration: %w", err)
	}
	return linked, nil
}

const countByRunSQL = `SELECT COUNT(*) FROM run_profiles WHERE run_id = $1;`

// CountByRun returns the number of edges recorded for a run.
func (s *Store) CountByRun(ctx context.Context, runID string) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, countByRunSQL, runID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count run profiles: %w", err)
	}
	return count, nil
}
