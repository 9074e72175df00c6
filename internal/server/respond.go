package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// envelope is the uniform success wrapper.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// errorBody is the uniform failure wrapper.
type errorBody struct {
	Success bool      `json:"success"`
	Error   errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// listPage is the pagination wrapper carried inside the data envelope.
type listPage struct {
	Count       int    `json:"count"`
	Next        string `json:"next,omitempty"`
	Previous    string `json:"previous,omitempty"`
	PageSize    int    `json:"page_size"`
	TotalPages  int    `json:"total_pages"`
	CurrentPage int    `json:"current_page"`
	Results     any    `json:"results"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

// writeError maps err to a status through the apperr taxonomy. Internal
// errors get logged with the request path and surface an opaque message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	// Store reads surface sql.ErrNoRows for rows that do not exist or
	// belong to another organization; both read as absent.
	if errors.Is(err, sql.ErrNoRows) {
		err = apperr.NotFound("resource not found")
	}
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	info := errorInfo{Code: string(kind), Message: err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		info.Message = ae.Message
		info.Details = ae.Details
	}
	if kind == apperr.KindInternal {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		info.Message = "internal error"
		info.Details = nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Success: false, Error: info})
}

// decode reads a JSON body into v, rejecting unknown garbage early.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// pageParams extracts page/page_size query parameters.
func pageParams(r *http.Request) (page, size int) {
	page = 1
	size = defaultPageSize
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			size = n
			if size > maxPageSize {
				size = maxPageSize
			}
		}
	}
	return page, size
}

// paginate wraps results in the list envelope, deriving next/previous
// links from the request URL.
func paginate(r *http.Request, results any, total, page, size int) listPage {
	totalPages := (total + size - 1) / size
	if totalPages < 1 {
		totalPages = 1
	}
	lp := listPage{
		Count:       total,
		PageSize:    size,
		TotalPages:  totalPages,
		CurrentPage: page,
		Results:     results,
	}
	if page < totalPages {
		lp.Next = pageLink(r, page+1, size)
	}
	if page > 1 {
		lp.Previous = pageLink(r, page-1, size)
	}
	return lp
}

func pageLink(r *http.Request, page, size int) string {
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(size))
	return fmt.Sprintf("%s?%s", r.URL.Path, q.Encode())
}
