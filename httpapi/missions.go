package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/flightline-ai/squawk/decompose"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/sched"
)

type decomposeRequest struct {
	TaskDescription string         `json:"task_description"`
	Strategy        string         `json:"strategy,omitempty"`
	Context         string         `json:"context,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type decomposeResponse struct {
	SortieTree       model.SortieTree            `json:"sortie_tree"`
	ValidationErrors []decompose.ValidationIssue `json:"validation_errors,omitempty"`
	Warnings         []string                    `json:"warnings,omitempty"`
	Metadata         map[string]any              `json:"metadata"`
}

// handleDecompose runs the decomposition pipeline and persists the
// resulting mission tree.
func (s *Server) handleDecompose(w http.ResponseWriter, r *http.Request) {
	var req decomposeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}
	if req.TaskDescription == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("task_description is required"), "")
		return
	}

	out, err := s.pipeline.Decompose(r.Context(), decompose.Input{
		TaskDescription: req.TaskDescription,
		Strategy:        model.Strategy(req.Strategy),
		Root:            req.Context,
		Metadata:        req.Metadata,
	})
	if err != nil {
		var invalid *decompose.ErrInvalidPlan
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusBadRequest, decomposeResponse{
				ValidationErrors: invalid.Result.Errors,
				Warnings:         invalid.Result.Warnings,
				Metadata:         metadataFor(out.Selection),
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err, "decomposition pipeline failed")
		return
	}

	if err := s.db.Missions().SaveTree(r.Context(), &out.Tree); err != nil {
		s.fail(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.MissionDecomposed(string(out.Selection.Strategy))
	}

	writeJSON(w, http.StatusOK, decomposeResponse{
		SortieTree: out.Tree,
		Warnings:   out.Validation.Warnings,
		Metadata:   metadataFor(out.Selection),
	})
}

func metadataFor(sel decompose.StrategySelection) map[string]any {
	return map[string]any{
		"strategy":         string(sel.Strategy),
		"confidence":       sel.Confidence,
		"matched_keywords": sel.MatchedKeywords,
		"patterns":         sel.Patterns,
	}
}

type createMissionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Strategy    string `json:"strategy,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}
	if req.Title == "" || req.Description == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("title and description are required"), "")
		return
	}
	mission := model.Mission{
		ID:          model.NewID(model.PrefixMission),
		Title:       req.Title,
		Description: req.Description,
		Strategy:    model.Strategy(req.Strategy),
		Status:      model.MissionPending,
		Priority:    model.Priority(req.Priority),
		CreatedAt:   s.db.Clock().Now(),
	}
	if mission.Strategy == "" {
		mission.Strategy = model.StrategyFeatureBased
	}
	if mission.Priority == "" {
		mission.Priority = model.PriorityMedium
	}
	if err := s.db.Missions().CreateMission(r.Context(), &mission); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mission)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	missions, err := s.db.Missions().ListMissions(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missions": missions})
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	mission, err := s.db.Missions().GetMission(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	sorties, err := s.db.Missions().ListSortiesByMission(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mission": mission, "sorties": sorties})
}

// handleMissionProgress recomputes the mission's derived progress from
// its sorties. Completion closes the loop on the learned pattern that
// drove the decomposition.
func (s *Server) handleMissionProgress(w http.ResponseWriter, r *http.Request) {
	mission, err := s.db.Missions().RefreshMissionProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if mission.Status == model.MissionCompleted {
		if patternID, ok := mission.Metadata["pattern_id"].(string); ok {
			if _, err := s.db.Patterns().RecordOutcome(r.Context(), patternID, mission.ID, "completed", ""); err != nil {
				s.logger.Warn("failed to record pattern outcome", "mission_id", mission.ID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, mission)
}

type dispatchRequest struct {
	Mode string `json:"mode,omitempty"`
}

// handleDispatch hands the mission's sortie tree to the scheduler.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req dispatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}

	mission, err := s.db.Missions().GetMission(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	sorties, err := s.db.Missions().ListSortiesByMission(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(sorties) == 0 {
		s.writeError(w, http.StatusConflict, fmt.Errorf("mission %s has no sorties to dispatch", id), "")
		return
	}

	tree := &model.SortieTree{Mission: mission, Sorties: sorties}
	result, err := s.sched.Dispatch(r.Context(), tree, sched.Mode(req.Mode))
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.metrics != nil {
		mode := req.Mode
		if mode == "" {
			mode = string(sched.ModeMixed)
		}
		for range result.Launched {
			s.metrics.SortieDispatched(mode, "launched")
		}
		for range result.Failed {
			s.metrics.SortieDispatched(mode, "failed")
		}
		for range result.Skipped {
			s.metrics.SortieDispatched(mode, "skipped")
		}
	}
	writeJSON(w, http.StatusOK, result)
}
