// Package pagination reads limit/offset query parameters and wraps a page of
// rows in the response envelope shared by every list endpoint.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Params is the window a request asked for.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset, clamping limit to (0, MaxLimit] and
// offset to >= 0.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	return Params{Limit: limit, Offset: max(offset, 0)}
}

// Response is one page of a list endpoint.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Slice returns the window of items selected by p and the item count.
func Slice[T any](items []T, p Params) ([]T, int) {
	total := len(items)
	if p.Offset >= total {
		return []T{}, total
	}
	return items[p.Offset:min(p.Offset+p.Limit, total)], total
}

// Page wraps data, the rows of the window p out of total. The links point at
// path and keep every parameter of query besides limit and offset, so filters
// survive paging.
func (p Params) Page(data interface{}, total int, path string, query url.Values) *Response {
	more := p.Offset+p.Limit < total
	r := &Response{Data: data, Total: total, Limit: p.Limit, Offset: p.Offset, HasMore: more}

	link := func(rel string, offset int) {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(p.Limit))
		q.Set("offset", strconv.Itoa(offset))
		r.Links = append(r.Links, Link{Relation: rel, URL: path + "?" + q.Encode()})
	}
	link("self", p.Offset)
	if more {
		link("next", p.Offset+p.Limit)
	}
	if p.Offset > 0 {
		link("previous", max(p.Offset-p.Limit, 0))
	}
	return r
}
