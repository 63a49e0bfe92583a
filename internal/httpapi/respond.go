package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cesargomez89/capsulecache/internal/cache"
	"github.com/cesargomez89/capsulecache/internal/domain"
	"github.com/cesargomez89/capsulecache/internal/httpapi/dto"
	"github.com/cesargomez89/capsulecache/internal/queue"
	"github.com/cesargomez89/capsulecache/internal/store"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Fields map[string]string `json:"fields,omitempty"`
	Error  string            `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeValidation(w http.ResponseWriter, errs []dto.ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:  dto.ToResponse(errs),
		Fields: dto.ToMap(errs),
	})
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// logged and reported as 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, cache.ErrNotCached),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, cache.ErrPurgeInProgress),
		errors.Is(err, cache.ErrDownloadActive):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidRequest),
		errors.Is(err, cache.ErrInvalidPriority):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads an optional JSON body into v. An empty body leaves v at
// its zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func capsuleParam(r *http.Request) (int64, []dto.ValidationError) {
	id, err := strconv.ParseInt(chi.URLParam(r, "capsuleID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, []dto.ValidationError{{Field: "capsule_id", Message: "must be a positive integer"}}
	}
	return id, nil
}

func assetParams(r *http.Request) (int64, domain.FileType, []dto.ValidationError) {
	id, errs := capsuleParam(r)
	ft, err := domain.ParseFileType(chi.URLParam(r, "fileType"))
	if err != nil {
		errs = append(errs, dto.ValidationError{Field: "file_type", Message: err.Error()})
	}
	return id, ft, errs
}
