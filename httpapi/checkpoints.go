package httpapi

import (
	"errors"
	"net/http"

	"github.com/flightline-ai/squawk/checkpoint"
	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/recovery"
)

type createCheckpointRequest struct {
	MissionID      string         `json:"mission_id"`
	Trigger        string         `json:"trigger,omitempty"`
	TriggerDetails string         `json:"trigger_details,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req createCheckpointRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}
	if req.MissionID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("mission_id is required"), "")
		return
	}
	trigger := model.CheckpointTrigger(req.Trigger)
	if trigger == "" {
		trigger = model.TriggerManual
	}
	cp, err := s.engine.Save(r.Context(), checkpoint.SaveInput{
		MissionID:      req.MissionID,
		Trigger:        trigger,
		TriggerDetails: req.TriggerDetails,
		CreatedBy:      req.CreatedBy,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.CheckpointTaken(string(trigger))
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	missionID := r.URL.Query().Get("mission_id")
	if missionID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("mission_id query parameter is required"), "")
		return
	}
	checkpoints, err := s.engine.List(r.Context(), missionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": checkpoints})
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.engine.GetLatest(r.Context(), r.PathValue("mission_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

type resumeRequest struct {
	Force  bool `json:"force,omitempty"`
	DryRun bool `json:"dryRun,omitempty"`
}

// handleResume plans and executes a recovery from the checkpoint. Full
// success returns 200, a partial restore 207, anything worse 500.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}

	plan, err := s.recovery.CreateRecoveryPlan(r.Context(), r.PathValue("id"), req.Force)
	if err != nil {
		s.fail(w, err)
		return
	}
	result, err := s.recovery.Execute(r.Context(), plan, req.DryRun)
	s.recordRecovery(result)
	if err != nil {
		if errors.Is(err, recovery.ErrTooManyFailures) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":  err.Error(),
				"plan":   plan,
				"result": result,
			})
			return
		}
		s.fail(w, err)
		return
	}

	code := http.StatusOK
	if result.Partial {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, map[string]any{"plan": plan, "result": result})
}

func (s *Server) recordRecovery(result recovery.Result) {
	if s.metrics == nil {
		return
	}
	for _, e := range result.Errors {
		s.metrics.RecoveryItem(e.Phase, "failed")
	}
	succeeded := result.Succeeded
	for i := 0; i < succeeded; i++ {
		s.metrics.RecoveryItem("all", "succeeded")
	}
}
