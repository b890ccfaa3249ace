package server

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/jobs"
)

func (s *Server) handleIndexRebuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MountID string `json:"mountId"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.MountID == "" {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("mountId is required"))
		return
	}

	if err := s.index.Rebuild(r.Context(), req.MountID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndexApplyDirty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MountID string `json:"mountId"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.MountID == "" {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("mountId is required"))
		return
	}

	if err := s.index.ApplyDirty(r.Context(), req.MountID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndexSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("q is required"))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.store.SearchIndex(r.Context(), query, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	mountID := r.URL.Query().Get("mountId")
	if mountID == "" {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("mountId is required"))
		return
	}

	pending, err := s.store.DirtyCount(r.Context(), mountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"pendingDirtyEntries": pending})
}

// jobSubmitRequest is the body of POST .../jobs. Copy is the one manually
// submittable task type.
type jobSubmitRequest struct {
	TaskType          string          `json:"taskType"`
	UserID            string          `json:"userId"`
	Pairs             []jobs.CopyPair `json:"pairs"`
	OverwriteExisting *bool           `json:"overwriteExisting,omitempty"`
}

func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	var req jobSubmitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.TaskType != jobs.HandlerCopy {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("unknown task type "+req.TaskType))
		return
	}
	if len(req.Pairs) == 0 {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("pairs must not be empty"))
		return
	}

	copier := *s.copier
	if req.OverwriteExisting != nil {
		copier.OverwriteExisting = *req.OverwriteExisting
	}

	job, err := s.engine.Submit(r.Context(), jobs.Submission{
		TaskType:       jobs.HandlerCopy,
		UserID:         req.UserID,
		Trigger:        jobs.TriggerManual,
		Items:          copier.Items(req.Pairs),
		Run:            copier.Run,
		AllowedActions: []string{"retry-all-failed", "retry-file", "cancel"},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.engine.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, r, errcode.ErrorCodeNotFound.WithMessage("no such job"))
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobRetryAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetryAllFailed(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleJobRetryFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID string `json:"itemId"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.ItemID == "" {
		s.writeError(w, r, errcode.ErrorCodeValidation.WithMessage("itemId is required"))
		return
	}

	if err := s.engine.RetryFile(r.Context(), mux.Vars(r)["id"], req.ItemID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Cancel(mux.Vars(r)["id"]) {
		s.writeError(w, r, errcode.ErrorCodeNotFound.WithMessage("no such job"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}
