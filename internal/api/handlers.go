package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/mirovane/lookalike/api/schemas"
	"github.com/mirovane/lookalike/internal/config"
	"github.com/mirovane/lookalike/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// createRunRequest is the POST /api/runs payload. Params left nil fall
// back to the configured discovery defaults.
type createRunRequest struct {
	Type   string          `json:"type"`
	Input  string          `json:"input"`
	Params *runParamsPatch `json:"params,omitempty"`
}

type runParamsPatch struct {
	MinFollowers *int `json:"min_followers,omitempty"`
	SimilarCount *int `json:"similar_count,omitempty"`
	MaxLayers    *int `json:"max_layers,omitempty"`
	HashtagPages *int `json:"hashtag_pages,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	runType := schemas.RunType(req.Type)
	if runType != schemas.RunTypeSimilar && runType != schemas.RunTypeCombined {
		s.writeError(w, http.StatusBadRequest,
			fmt.Errorf("type must be %q or %q", schemas.RunTypeSimilar, schemas.RunTypeCombined))
		return
	}
	input := strings.TrimSpace(req.Input)
	if input == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("input is required"))
		return
	}

	cfg := s.defaults.RunConfig()
	if p := req.Params; p != nil {
		if p.MinFollowers != nil {
			cfg.MinFollowers = *p.MinFollowers
		}
		if p.SimilarCount != nil {
			cfg.SimilarCount = *p.SimilarCount
		}
		if p.MaxLayers != nil {
			cfg.MaxLayers = *p.MaxLayers
		}
		if p.HashtagPages != nil {
			cfg.HashtagPages = *p.HashtagPages
		}
	}
	if err := config.ValidateRunConfig(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.store.CreateRun(r.Context(), runType, input, cfg)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "sync"
	}

	switch mode {
	case "detached":
		if err := s.runner.ExecuteDetached(r.Context(), runID); err != nil {
			s.writeRunError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id": runID,
			"status": string(schemas.RunStatusRunning),
		})
	case "sync":
		summary, err := s.runner.Execute(r.Context(), runID)
		if err != nil {
			s.writeRunError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, summary)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown trigger mode %q", mode))
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	profiles, err := s.store.ListRunProfiles(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if profiles == nil {
		profiles = []schemas.LinkedProfile{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"run":      run,
		"profiles": profiles,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []schemas.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	filter := store.ProfileFilter{
		Category:     r.URL.Query().Get("category"),
		MinFollowers: int64(queryInt(r, "min_followers", 0)),
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	}

	profiles, err := s.store.ListProfiles(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	categories, err := s.store.ListCategories(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if profiles == nil {
		profiles = []schemas.Profile{}
	}
	if categories == nil {
		categories = []schemas.CategoryCount{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"profiles":   profiles,
		"categories": categories,
	})
}

// writeRunError maps store sentinel errors onto HTTP statuses.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, errors.New("run not found"))
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, errors.New("run is not in a triggerable state"))
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
