package request

import (
	"net/http"
	"strconv"
)

// Pagination is a cursor/limit pair parsed from query parameters. The cursor
// is the last id of the previous page; an empty cursor starts from the top.
type Pagination struct {
	Limit  int
	Cursor string
}

// Event logs grow for the life of a workflow, so the cap is generous enough
// to fetch a whole log in one or two pages.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ParsePagination extracts limit and cursor from the request. Absent or
// unparseable limits fall back to the default; oversized ones are clamped.
func ParsePagination(r *http.Request) Pagination {
	limit := DefaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	return Pagination{
		Limit:  limit,
		Cursor: r.URL.Query().Get("cursor"),
	}
}
