package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/domain"
	"github.com/cesargomez89/capsulecache/internal/httpapi/dto"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Cache.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) PurgeCache(w http.ResponseWriter, r *http.Request) {
	var req dto.PurgeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	res, err := h.Cache.PurgeOldCache(r.Context(), req.ToOptions())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SmartCleanup(w http.ResponseWriter, r *http.Request) {
	var req dto.SmartCleanupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	res, err := h.Cache.SmartCleanup(r.Context(), req.ToOptions())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	var req dto.ClearRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	res, err := h.Cache.ClearAll(r.Context(), req.KeepPinnedOrDefault())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetCacheSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dto.NewCacheSettingsResponse(h.Cache.MaxSize(), h.Cache.AutoPurge()))
}

func (h *Handler) UpdateCacheSettings(w http.ResponseWriter, r *http.Request) {
	var req dto.CacheSettingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	if req.MaxSize != nil {
		if err := h.Cache.SetMaxSize(req.MaxSizeBytes()); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.AutoPurge != nil {
		if err := h.Cache.SetAutoPurge(*req.AutoPurge); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	h.Logger.Info("Cache settings updated", "max_size", h.Cache.MaxSize(), "auto_purge", h.Cache.AutoPurge())
	h.GetCacheSettings(w, r)
}

func (h *Handler) Pin(w http.ResponseWriter, r *http.Request) {
	h.setPinned(w, r, true)
}

func (h *Handler) Unpin(w http.ResponseWriter, r *http.Request) {
	h.setPinned(w, r, false)
}

func (h *Handler) setPinned(w http.ResponseWriter, r *http.Request, pinned bool) {
	capsuleID, fileType, errs := assetParams(r)
	if len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	var err error
	if pinned {
		err = h.Cache.Pin(capsuleID, fileType)
	} else {
		err = h.Cache.Unpin(capsuleID, fileType)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capsule_id": capsuleID,
		"file_type":  fileType,
		"is_pinned":  pinned,
	})
}

func (h *Handler) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	capsuleID, fileType, errs := assetParams(r)
	if len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	var req dto.PriorityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	if err := h.Cache.UpdatePriority(capsuleID, fileType, *req.Priority); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capsule_id":     capsuleID,
		"file_type":      fileType,
		"cache_priority": *req.Priority,
	})
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req dto.SubmitTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	task, created, err := h.Queue.Submit(req.ToSubmitRequest())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, h.taskResponse(task))
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := constants.ListTasksMax
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > constants.ListTasksMax {
			writeValidation(w, []dto.ValidationError{{Field: "limit", Message: "must be between 1 and " + strconv.Itoa(constants.ListTasksMax)}})
			return
		}
		limit = n
	}

	tasks, err := h.Store.ListTasks(limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]dto.TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, h.taskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ClearFinishedTasks(w http.ResponseWriter, r *http.Request) {
	n, err := h.Store.ClearFinishedTasks()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	h.respondTask(w, r, http.StatusOK)
}

func (h *Handler) PauseTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Pause(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondTask(w, r, http.StatusAccepted)
}

func (h *Handler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Resume(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondTask(w, r, http.StatusAccepted)
}

func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Queue.Cancel(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondTask(w, r, http.StatusAccepted)
}

func (h *Handler) respondTask(w http.ResponseWriter, r *http.Request, status int) {
	task, err := h.Store.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}
	writeJSON(w, status, h.taskResponse(task))
}

func (h *Handler) taskResponse(t *domain.DownloadTask) dto.TaskResponse {
	if snap, ok := h.Queue.Progress(t.ID); ok {
		return dto.NewTaskResponse(t, &snap)
	}
	return dto.NewTaskResponse(t, nil)
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Queue.Status()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListProgress returns the live transfer samples of running tasks.
func (h *Handler) ListProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Queue.ProgressList())
}

func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	capsuleID, errs := capsuleParam(r)
	if len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	assets, err := h.Store.ListAssets(capsuleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if assets == nil {
		assets = []*domain.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	capsuleID, fileType, errs := assetParams(r)
	if len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	asset, err := h.Store.GetAsset(capsuleID, fileType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if asset == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "asset not found"})
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (h *Handler) RecordAccess(w http.ResponseWriter, r *http.Request) {
	capsuleID, fileType, errs := assetParams(r)
	if len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	if err := h.Store.RecordAccess(capsuleID, fileType); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteCapsule(w http.ResponseWriter, r *http.Request) {
	capsuleID, errs := capsuleParam(r)
	if len(errs) > 0 {
		writeValidation(w, errs)
		return
	}

	if err := h.Cache.DeleteCapsule(r.Context(), capsuleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
