package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flightline-ai/squawk/model"
)

// defaultLockTimeout applies when an acquire request omits timeout_ms.
const defaultLockTimeout = 30 * time.Minute

type acquireLockRequest struct {
	File         string `json:"file"`
	SpecialistID string `json:"specialist_id"`
	TimeoutMS    int    `json:"timeout_ms,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

// handleAcquireLock grants the lock or reports the holder. A conflict is
// 409 with the existing lock in the body, not an error.
func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req acquireLockRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}
	if req.File == "" || req.SpecialistID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("file and specialist_id are required"), "")
		return
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("timeout_ms must not be negative, got %d", req.TimeoutMS), "")
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = defaultLockTimeout
	}
	purpose := model.LockPurpose(req.Purpose)
	if purpose == "" {
		purpose = model.PurposeEdit
	}

	res, err := s.locks.Acquire(r.Context(), req.File, req.SpecialistID, timeout, purpose, req.Checksum)
	if err != nil {
		s.fail(w, err)
		return
	}
	if res.Conflict {
		if s.metrics != nil {
			s.metrics.LockConflict()
		}
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.locks.GetActive(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetActiveLocks(len(locks))
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"

	var (
		released bool
		err      error
	)
	if force {
		released, err = s.locks.ForceRelease(r.Context(), id)
	} else {
		released, err = s.locks.Release(r.Context(), id)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if !released {
		s.writeError(w, http.StatusNotFound, errors.New("no active lock with that id"), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": id, "force": force})
}
