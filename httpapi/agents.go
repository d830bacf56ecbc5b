package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/flightline-ai/squawk/model"
	"github.com/flightline-ai/squawk/store"
)

type spawnRequest struct {
	Name         string         `json:"name,omitempty"`
	Type         string         `json:"type,omitempty"`
	SortieID     string         `json:"sortie_id,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// handleSpawnAgent registers a specialist and its mailbox. The caller is
// expected to start the runner process itself (or rely on the scheduler).
func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}
	if req.Type == "" {
		req.Type = "backend"
	}
	now := s.db.Clock().Now()
	sp := model.Specialist{
		ID:            model.NewID(model.PrefixSpecialist),
		Name:          req.Name,
		Status:        model.SpecialistActive,
		Capabilities:  append([]string{req.Type}, req.Capabilities...),
		CurrentSortie: req.SortieID,
		RegisteredAt:  now,
		LastSeen:      now,
		Metadata:      req.Metadata,
	}
	if sp.Name == "" {
		sp.Name = fmt.Sprintf("%s-%s", req.Type, sp.ID)
	}
	if err := s.db.Specialists().Register(r.Context(), &sp); err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.bus.EnsureMailbox(r.Context(), sp.ID); err != nil {
		s.fail(w, err)
		return
	}
	if req.SortieID != "" {
		if err := s.db.Missions().AssignSortie(r.Context(), req.SortieID, sp.ID); err != nil {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sp)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var (
		specialists []model.Specialist
		err         error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		specialists, err = s.db.Specialists().ListByStatus(r.Context(), model.SpecialistStatus(status))
	} else {
		specialists, err = s.db.Specialists().List(r.Context())
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": specialists})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	sp, err := s.db.Specialists().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

// handleDeleteAgent shuts a specialist down. A busy specialist needs
// ?force=true; ?reason= is recorded on the shutdown event.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"
	reason := r.URL.Query().Get("reason")

	sp, err := s.db.Specialists().Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if sp.Status == model.SpecialistBusy && !force {
		s.writeError(w, http.StatusConflict,
			fmt.Errorf("specialist %s is busy; pass force=true to terminate", id), "")
		return
	}

	// Held locks are released before the registry row goes away.
	held, err := s.locks.GetActive(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	for _, lk := range held {
		if lk.ReservedBy == id {
			if _, err := s.locks.ForceRelease(r.Context(), lk.ID); err != nil {
				s.fail(w, err)
				return
			}
		}
	}

	if err := s.db.Specialists().Remove(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.db.Events().Append(r.Context(), store.AppendInput{
		EventType:  "specialist.terminated",
		StreamType: model.StreamFleet,
		StreamID:   id,
		Data:       map[string]any{"force": force, "reason": reason},
	}); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": id, "force": force})
}

type progressRequest struct {
	Status   string `json:"status,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

// handleAgentProgress reports progress for the specialist's current
// sortie and optionally moves the specialist's own status.
func (s *Server) handleAgentProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req progressRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}
	if req.Progress != nil && (*req.Progress < 0 || *req.Progress > 100) {
		s.writeError(w, http.StatusBadRequest,
			fmt.Errorf("progress %d outside [0, 100]", *req.Progress), "")
		return
	}

	sp, err := s.db.Specialists().Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.Status != "" {
		if err := s.db.Specialists().UpdateStatus(r.Context(), id, model.SpecialistStatus(req.Status), sp.CurrentSortie); err != nil {
			s.fail(w, err)
			return
		}
	}
	if req.Progress != nil {
		if sp.CurrentSortie == "" {
			s.writeError(w, http.StatusConflict,
				errors.New("specialist has no current sortie to report progress on"), "")
			return
		}
		if err := s.db.Missions().UpdateSortieProgress(r.Context(), sp.CurrentSortie, *req.Progress, req.Message); err != nil {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type heartbeatRequest struct {
	Timestamp     string         `json:"timestamp,omitempty"`
	ResourceUsage map[string]any `json:"resourceUsage,omitempty"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req heartbeatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}
	if err := s.db.Specialists().UpdateHeartbeat(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	sp, err := s.db.Specialists().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        sp.ID,
		"status":    sp.Status,
		"healthy":   s.watcher.Healthy(sp),
		"last_seen": sp.LastSeen,
	})
}

// handleSystemHealth summarizes the whole fleet.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	specialists, err := s.db.Specialists().List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	var active, busy, idle, unhealthy int
	for _, sp := range specialists {
		switch sp.Status {
		case model.SpecialistActive:
			active++
		case model.SpecialistBusy:
			busy++
		default:
			idle++
			continue
		}
		if !s.watcher.Healthy(sp) {
			unhealthy++
		}
	}
	locks, err := s.locks.GetActive(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	depth, err := s.db.Events().Count(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetActiveSpecialists(active + busy)
		s.metrics.SetActiveLocks(len(locks))
	}
	status := "healthy"
	if unhealthy > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"agents":       len(specialists),
		"active":       active,
		"busy":         busy,
		"idle":         idle,
		"unhealthy":    unhealthy,
		"active_locks": len(locks),
		"event_depth":  depth,
	})
}
