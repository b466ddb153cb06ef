// Package pagination reads FHIR-style _count/_offset paging parameters and
// slices in-memory result sets.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds the requested page window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count and _offset from the query. Missing or invalid
// values fall back to the defaults; _count is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// Page returns the part of items inside the window. An offset past the end
// yields an empty, non-nil slice.
func Page[T any](p Params, items []T) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// Response is a page of results with its position in the full set.
type Response[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewResponse pages items according to p.
func NewResponse[T any](p Params, items []T) Response[T] {
	return Response[T]{
		Items:   Page(p, items),
		Total:   len(items),
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(len(items)),
	}
}
