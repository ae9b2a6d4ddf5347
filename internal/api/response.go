package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/download"
	"github.com/snapetech/coursecache/internal/fault"
)

var (
	errNoLesson        = errors.New("lesson not found in course")
	errNotDownloadable = errors.New("lesson video cannot be downloaded")
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := mapError(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, download.ErrNotFound), errors.Is(err, cache.ErrNotFound), errors.Is(err, errNoLesson):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, download.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, download.ErrInvalidSource), errors.Is(err, errNotDownloadable):
		return http.StatusUnprocessableEntity, "invalid_source"
	case errors.Is(err, fault.ErrContentUnavailable):
		return http.StatusServiceUnavailable, string(fault.KindContentUnavailable)
	case errors.Is(err, download.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	}
	if k := fault.KindOf(err); k != fault.KindNone {
		return http.StatusInternalServerError, string(k)
	}
	return http.StatusInternalServerError, "internal_error"
}
