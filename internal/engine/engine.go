package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirovane/lookalike/api/schemas"
	"github.com/mirovane/lookalike/internal/graphapi"
	"github.com/mirovane/lookalike/internal/store"
)

// GraphClient is the engine's view of the external profile-discovery
// service. *graphapi.Client satisfies it; tests inject doubles.
type GraphClient interface {
	FetchSimilar(ctx context.Context, seed string, limit int) ([]graphapi.SimilarAccount, error)
	FetchProfileDetail(ctx context.Context, username string) (*graphapi.ProfileDetail, error)
	FetchHashtagPosts(ctx context.Context, hashtag, pageToken string) (graphapi.HashtagPage, error)
}

// Store is the persistence surface the engine writes through.
// *store.Store satisfies it.
type Store interface {
	GetRun(ctx context.Context, runID string) (*schemas.Run, error)
	StartRun(ctx context.Context, runID string) error
	TransitionRun(ctx context.Context, runID string, status schemas.RunStatus, statsPatch schemas.RunStats) error
	UpdateRunProgress(ctx context.Context, runID string, layer, apiCalls int, statsPatch schemas.RunStats) error
	UpsertProfile(ctx context.Context, in store.ProfileUpsert) (*schemas.Profile, error)
	LinkProfile(ctx context.Context, in store.LinkInput) (bool, error)
}

// Engine walks the similar-accounts relation outward from a seed in
// breadth-first layers, filtering by follower threshold and persisting
// profiles and provenance edges as each layer completes. One logical
// worker per run; layers never overlap because layer N+1's seed set is
// layer N's admitted output.
type Engine struct {
	client GraphClient
	store  Store
	logger *zap.Logger
}

// New wires an engine from its injected collaborators.
func New(client GraphClient, st Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client: client,
		store:  st,
		logger: logger.Named("engine"),
	}
}

// candidate is one admitted account together with the seed that produced
// it. FoundFrom is first-seen-wins: when the same username surfaces via
// several seeds in one layer, the seed processed earliest in seed order
// is recorded. postURL is set only for hashtag-seeded candidates, where
// the post that surfaced the account is known.
type candidate struct {
	detail    *graphapi.ProfileDetail
	foundFrom string
	postURL   string
}

// runState accumulates per-run bookkeeping across layers.
type runState struct {
	mu       sync.Mutex
	apiCalls int
	seen     map[string]struct{}
}

func (st *runState) countCall() {
	st.mu.Lock()
	st.apiCalls++
	st.mu.Unlock()
}

func (st *runState) calls() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.apiCalls
}

// markSeen records a username; reports false if it was already known to
// this run (seed or earlier discovery).
func (st *runState) markSeen(username string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, dup := st.seen[username]; dup {
		return false
	}
	st.seen[username] = struct{}{}
	return true
}

// Execute drives one run to a terminal state and returns its summary.
// A run that is not pending is refused with store.ErrConflict before any
// mutation; this is the double-trigger guard.
func (e *Engine) Execute(ctx context.Context, runID string) (*schemas.RunSummary, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := e.store.StartRun(ctx, runID); err != nil {
		return nil, err
	}

	log := e.logger.With(zap.String("run_id", runID), zap.String("input", run.Input))
	log.Info("Run started", zap.String("type", string(run.Type)))

	summary, err := e.executeStarted(ctx, run, log)
	if err != nil {
		e.failRun(run.ID, err, log)
		return nil, err
	}
	return summary, nil
}

// ExecuteDetached runs the same state machine on a background goroutine.
// The pending-state check still happens synchronously so the caller gets
// conflict and not-found errors immediately; only the expansion itself
// is detached.
func (e *Engine) ExecuteDetached(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := e.store.StartRun(ctx, runID); err != nil {
		return err
	}

	log := e.logger.With(zap.String("run_id", runID), zap.String("input", run.Input))
	log.Info("Run started detached", zap.String("type", string(run.Type)))

	go func() {
		// Detached runs outlive the trigger request's context.
		bgCtx := context.Background()
		if _, err := e.executeStarted(bgCtx, run, log); err != nil {
			e.failRun(run.ID, err, log)
		}
	}()
	return nil
}

// executeStarted performs seeding, expansion, and finalization for a run
// already moved to running. Panics during orchestration are converted to
// an error so the run can still be marked failed with its partial
// results intact.
func (e *Engine) executeStarted(ctx context.Context, run *schemas.Run, log *zap.Logger) (summary *schemas.RunSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			summary = nil
			err = fmt.Errorf("discovery orchestration panicked: %v", r)
		}
	}()

	start := time.Now()
	st := &runState{seen: make(map[string]struct{})}
	cfg := run.Config

	seeds, seededCount, err := e.seed(ctx, run, st, log)
	if err != nil {
		return nil, err
	}

	totalInserted := seededCount
	layersCompleted := 0

	for layer := 1; layer <= cfg.MaxLayers; layer++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run interrupted before layer %d: %w", layer, ctx.Err())
		}
		if len(seeds) == 0 {
			break
		}

		admitted := e.expandLayer(ctx, run, layer, seeds, st, log)
		if len(admitted) == 0 {
			log.Info("Layer produced no admitted candidates, terminating expansion",
				zap.Int("layer", layer))
			break
		}

		inserted := e.ingestLayer(ctx, run, layer, schemas.MethodSimilarAccounts, admitted, log)
		totalInserted += inserted
		layersCompleted = layer

		if err := e.store.UpdateRunProgress(ctx, run.ID, layer, st.calls(), schemas.RunStats{
			"total_inserted":   totalInserted,
			"layers_completed": layersCompleted,
		}); err != nil {
			// Progress persistence is best-effort between layers; the
			// terminal transition still records final totals.
			log.Warn("Failed to persist layer progress", zap.Error(err))
		}

		log.Info("Layer complete",
			zap.Int("layer", layer),
			zap.Int("admitted", len(admitted)),
			zap.Int("total_inserted", totalInserted))

		seeds = nextSeeds(admitted, cfg.LayerFanout)
	}

	elapsed := time.Since(start)
	finalStats := schemas.RunStats{
		"mode":             string(run.Type),
		"input":            run.Input,
		"min_followers":    cfg.MinFollowers,
		"similar_count":    cfg.SimilarCount,
		"max_layers":       cfg.MaxLayers,
		"total_inserted":   totalInserted,
		"layers_completed": layersCompleted,
		"api_calls":        st.calls(),
		"elapsed_ms":       elapsed.Milliseconds(),
	}
	if err := e.store.TransitionRun(ctx, run.ID, schemas.RunStatusCompleted, finalStats); err != nil {
		return nil, fmt.Errorf("failed to finalize run: %w", err)
	}

	log.Info("Run completed",
		zap.Int("total_inserted", totalInserted),
		zap.Int("layers_completed", layersCompleted),
		zap.Duration("elapsed", elapsed))

	return &schemas.RunSummary{
		RunID:           run.ID,
		TotalInserted:   totalInserted,
		LayersCompleted: layersCompleted,
		APICalls:        st.calls(),
		Elapsed:         elapsed,
	}, nil
}

// failRun marks a run failed, preserving stats from completed layers.
// A failure of the transition itself is the one condition with no
// automatic recovery, so it is logged at error level as an operational
// alert.
func (e *Engine) failRun(runID string, cause error, log *zap.Logger) {
	patch := schemas.RunStats{
		"error":     cause.Error(),
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	}
	// The triggering context may already be canceled; failing the run
	// must not depend on it.
	if err := e.store.TransitionRun(context.Background(), runID, schemas.RunStatusFailed, patch); err != nil {
		log.Error("Could not mark run failed; run is stuck in running state",
			zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	log.Warn("Run failed", zap.Error(cause))
}

// seed determines the layer-0 seed set. Similar runs seed with exactly
// the input username. Combined runs derive seeds from posts under the
// input hashtag, admit them through the follower threshold, ingest them
// as layer 0, and fall back to the raw input when the hashtag yields
// nothing.
func (e *Engine) seed(ctx context.Context, run *schemas.Run, st *runState, log *zap.Logger) (seeds []string, inserted int, err error) {
	cfg := run.Config

	if run.Type == schemas.RunTypeSimilar {
		seed := strings.TrimPrefix(strings.TrimSpace(run.Input), "@")
		if seed == "" {
			return nil, 0, fmt.Errorf("run input is empty after normalization")
		}
		st.markSeen(seed)
		return []string{seed}, 0, nil
	}

	hashtag := strings.TrimPrefix(strings.TrimSpace(run.Input), "#")
	if hashtag == "" {
		return nil, 0, fmt.Errorf("run input is empty after normalization")
	}

	posts := e.collectHashtagPosts(ctx, hashtag, cfg.HashtagPages, st, log)

	var admitted []candidate
	for _, post := range posts {
		if len(admitted) >= cfg.SeedCap {
			break
		}
		if !st.markSeen(post.Username) {
			continue
		}
		detail, err := e.client.FetchProfileDetail(ctx, post.Username)
		st.countCall()
		if err != nil {
			log.Warn("Profile detail lookup failed during seeding, skipping",
				zap.String("username", post.Username), zap.Error(err))
			continue
		}
		if !passesThreshold(detail, cfg.MinFollowers) {
			continue
		}
		admitted = append(admitted, candidate{
			detail:    detail,
			foundFrom: "#" + hashtag,
			postURL:   post.PostURL,
		})
	}

	if len(admitted) == 0 {
		// Explicit fallback policy: a hashtag with no usable posts still
		// yields a best-effort single-seed run on the raw input.
		log.Warn("Hashtag seeding yielded nothing, falling back to raw input as seed",
			zap.String("hashtag", hashtag))
		st.markSeen(hashtag)
		return []string{hashtag}, 0, nil
	}

	inserted = e.ingestLayer(ctx, run, 0, schemas.MethodHashtagPosts, admitted, log)
	if err := e.store.UpdateRunProgress(ctx, run.ID, 0, st.calls(), schemas.RunStats{
		"total_inserted": inserted,
		"seed_count":     len(admitted),
	}); err != nil {
		log.Warn("Failed to persist seeding progress", zap.Error(err))
	}

	for _, c := range admitted {
		seeds = append(seeds, c.detail.Username)
	}
	log.Info("Seeding complete",
		zap.Int("seeds", len(seeds)),
		zap.Int("inserted", inserted))
	return seeds, inserted, nil
}

// collectHashtagPosts pages through the hashtag lookup, keeping the
// first post per distinct username across pages. Page failures degrade
// to whatever was gathered so far.
func (e *Engine) collectHashtagPosts(ctx context.Context, hashtag string, pages int, st *runState, log *zap.Logger) []graphapi.HashtagPost {
	var posts []graphapi.HashtagPost
	seen := make(map[string]struct{})
	token := ""

	for page := 0; page < pages; page++ {
		pg, err := e.client.FetchHashtagPosts(ctx, hashtag, token)
		st.countCall()
		if err != nil {
			log.Warn("Hashtag page lookup failed, stopping pagination",
				zap.String("hashtag", hashtag), zap.Int("page", page), zap.Error(err))
			break
		}
		for _, p := range pg.Posts {
			if _, dup := seen[p.Username]; dup {
				continue
			}
			seen[p.Username] = struct{}{}
			posts = append(posts, p)
		}
		if pg.NextToken == "" {
			break
		}
		token = pg.NextToken
	}
	return posts
}

// expandLayer fans out over the current seed set with bounded
// parallelism, fetching similar accounts and their profile details, and
// returns the layer's deduplicated admitted candidates. Per-seed results
// are merged in seed order, so admitted-set membership and foundFrom
// attribution do not depend on fetch completion order. Individual seed
// failures degrade to an empty contribution, never abort the layer.
func (e *Engine) expandLayer(ctx context.Context, run *schemas.Run, layer int, seeds []string, st *runState, log *zap.Logger) []candidate {
	cfg := run.Config
	perSeed := make([][]candidate, len(seeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	for i, seed := range seeds {
		g.Go(func() error {
			perSeed[i] = e.expandSeed(gctx, seed, cfg, st, log)
			return nil
		})
	}
	// Goroutines only record their results; no error can surface here.
	_ = g.Wait()

	var admitted []candidate
	for _, batch := range perSeed {
		for _, c := range batch {
			if !st.markSeen(c.detail.Username) {
				continue
			}
			admitted = append(admitted, c)
		}
	}

	log.Debug("Layer expansion merged",
		zap.Int("layer", layer),
		zap.Int("seeds", len(seeds)),
		zap.Int("admitted", len(admitted)))
	return admitted
}

// expandSeed processes one seed: similar-accounts lookup, then a detail
// lookup per candidate, keeping those that pass the follower threshold.
func (e *Engine) expandSeed(ctx context.Context, seed string, cfg schemas.RunConfig, st *runState, log *zap.Logger) []candidate {
	similar, err := e.client.FetchSimilar(ctx, seed, cfg.SimilarCount)
	st.countCall()
	if err != nil {
		log.Warn("Similar accounts lookup failed, treating as no data",
			zap.String("seed", seed), zap.Error(err))
		return nil
	}

	var out []candidate
	for _, account := range similar {
		if account.Username == "" {
			continue
		}
		detail, err := e.client.FetchProfileDetail(ctx, account.Username)
		st.countCall()
		if err != nil {
			log.Warn("Profile detail lookup failed, skipping candidate",
				zap.String("username", account.Username), zap.Error(err))
			continue
		}
		if !passesThreshold(detail, cfg.MinFollowers) {
			continue
		}
		out = append(out, candidate{detail: detail, foundFrom: seed})
	}
	return out
}

// ingestLayer upserts each admitted candidate and links it to the run.
// The edge's foundFrom carries the qualified seed form ("similar:<seed>"
// or "#<hashtag>"), matching the profile's discovery vector; hashtag
// edges also carry the originating post URL. Item-level
// storage failures are logged and skipped; the rest of the layer
// proceeds. Returns the number of profiles actually linked.
func (e *Engine) ingestLayer(ctx context.Context, run *schemas.Run, layer int, method schemas.DiscoveryMethod, admitted []candidate, log *zap.Logger) int {
	inserted := 0
	for _, c := range admitted {
		vector := c.foundFrom
		if method == schemas.MethodSimilarAccounts {
			vector = "similar:" + c.foundFrom
		}

		profile, err := e.store.UpsertProfile(ctx, store.ProfileUpsert{
			Username:        c.detail.Username,
			FullName:        c.detail.FullName,
			FollowerCount:   c.detail.FollowerCount,
			FollowingCount:  c.detail.FollowingCount,
			MediaCount:      c.detail.MediaCount,
			Verified:        c.detail.Verified,
			Private:         c.detail.Private,
			ProfileURL:      "https://instagram.com/" + c.detail.Username,
			DiscoveryVector: vector,
			Category:        run.Input,
		})
		if err != nil {
			log.Warn("Profile upsert failed, skipping",
				zap.String("username", c.detail.Username), zap.Error(err))
			continue
		}

		if _, err := e.store.LinkProfile(ctx, store.LinkInput{
			RunID:     run.ID,
			ProfileID: profile.ID,
			Layer:     layer,
			Method:    method,
			FoundFrom: vector,
			PostURL:   c.postURL,
		}); err != nil {
			log.Warn("Edge link failed, skipping",
				zap.String("username", c.detail.Username), zap.Error(err))
			continue
		}
		inserted++
	}
	return inserted
}

// passesThreshold admits a candidate only when the profile resolved and
// its follower count clears the configured minimum. Zero or missing
// follower counts are always rejected, even against a zero threshold:
// they indicate "no profile data", not a tiny account.
func passesThreshold(detail *graphapi.ProfileDetail, minFollowers int) bool {
	if detail == nil || detail.Username == "" {
		return false
	}
	if detail.FollowerCount <= 0 {
		return false
	}
	return detail.FollowerCount >= int64(minFollowers)
}

// nextSeeds caps the next layer's seed set to the configured fan-out,
// keeping discovery order.
func nextSeeds(admitted []candidate, fanout int) []string {
	seeds := make([]string, 0, len(admitted))
	for _, c := range admitted {
		seeds = append(seeds, c.detail.Username)
		if fanout > 0 && len(seeds) >= fanout {
			break
		}
	}
	return seeds
}
