package handlers

import (
	"net/http"
	"strconv"
)

// Participant listings default to 100 rows per page and are capped at
// 1000 regardless of what the query string asks for.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// PaginationParams is the sanitized limit/offset window parsed from a
// request's query string.
type PaginationParams struct {
	Limit  int
	Offset int
}

// PaginatedResponse wraps one page of items with the window that
// produced it, so clients can walk an offering's participant list
// without re-counting.
type PaginatedResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ParsePagination reads limit and offset from the query string.
// Malformed or out-of-range values fall back silently: bad input never
// fails a read endpoint, it just gets the defaults.
func ParsePagination(r *http.Request, defaultLimit int) PaginationParams {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}

	limit := defaultLimit
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > MaxLimit {
				limit = MaxLimit
			}
		}
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return PaginationParams{Limit: limit, Offset: offset}
}
