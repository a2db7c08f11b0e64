package schemas

import "time"

// RunType selects the seeding strategy for a discovery run. Expansion
// behaves identically for both types once the layer-0 seed set exists.
type RunType string

const (
	// RunTypeSimilar seeds the run with exactly the input username.
	RunTypeSimilar RunType = "similar"
	// RunTypeCombined derives the seed set from posts under the input
	// hashtag before expanding through similar accounts.
	RunTypeCombined RunType = "combined"
)

// RunStatus tracks the lifecycle of a discovery run. Transitions are
// monotonic: pending -> running -> {completed|failed}.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether a status can never be left again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// DiscoveryMethod records how an edge was produced.
type DiscoveryMethod string

const (
	MethodSimilarAccounts DiscoveryMethod = "similar_accounts"
	MethodHashtagPosts    DiscoveryMethod = "hashtag_posts"
)

// RunConfig holds the tunable parameters of one discovery run. All
// fields are validated once at run creation; the engine never re-derives
// defaults mid-flight.
type RunConfig struct {
	MinFollowers int `json:"min_followers"`
	SimilarCount int `json:"similar_count"`
	MaxLayers    int `json:"max_layers"`
	HashtagPages int `json:"hashtag_pages"`
	SeedCap      int `json:"seed_cap"`
	LayerFanout  int `json:"layer_fanout"`
	Concurrency  int `json:"concurrency"`
}

// RunStats is the free-form statistics blob on a run. Patches are
// shallow-merged into the stored blob, never replacing it wholesale.
type RunStats map[string]any

// Run is one execution of the discovery engine against one seed.
type Run struct {
	ID           string     `json:"id"`
	Type         RunType    `json:"type"`
	Input        string     `json:"input"`
	Config       RunConfig  `json:"config"`
	Status       RunStatus  `json:"status"`
	CurrentLayer int        `json:"current_layer"`
	APICalls     int        `json:"api_calls"`
	Stats        RunStats   `json:"stats"`
	ProfileCount int64      `json:"profile_count,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Profile is one row per unique username. Re-discovery merges into the
// existing row instead of clobbering it: vectors are unioned, the
// discovery counter is incremented, and metric fields take the latest
// observed values.
type Profile struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	FullName         string    `json:"full_name"`
	FollowerCount    int64     `json:"follower_count"`
	FollowingCount   int64     `json:"following_count"`
	MediaCount       int64     `json:"media_count"`
	Verified         bool      `json:"verified"`
	Private          bool      `json:"private"`
	ProfileURL       string    `json:"profile_url"`
	DiscoveryVectors []string  `json:"discovery_vectors"`
	PrimaryCategory  string    `json:"primary_category"`
	DiscoveryCount   int       `json:"discovery_count"`
	LastSeen         time.Time `json:"last_seen"`
}

// LinkedProfile is a profile joined with the provenance of one edge,
// as returned by the run status query.
type LinkedProfile struct {
	Profile
	Layer     int             `json:"layer"`
	Method    DiscoveryMethod `json:"method"`
	FoundFrom string          `json:"found_from"`
	PostURL   string          `json:"post_url,omitempty"`
}

// RunSummary is the final result reported by a synchronous trigger.
type RunSummary struct {
	RunID           string        `json:"run_id"`
	TotalInserted   int           `json:"total_inserted"`
	LayersCompleted int           `json:"layers_completed"`
	APICalls        int           `json:"api_calls"`
	Elapsed         time.Duration `json:"elapsed"`
}

// CategoryCount is one primary category with the number of profiles in it.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}
