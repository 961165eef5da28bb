// Package pagination extracts page/limit parameters from query strings and
// turns them into database offsets for the dashboard deal list.
package pagination

import (
	"net/url"
	"strconv"
)

// Params represents pagination parameters extracted from a request.
type Params struct {
	Page   int32 // Current page number (1-based)
	Limit  int32 // Number of items per page
	Offset int32 // Calculated offset for database queries
}

const (
	// MaxLimit is the maximum number of items allowed per page
	MaxLimit int32 = 100
	// DefaultPage is the default page number when not specified
	DefaultPage int32 = 1
	// DefaultLimit is the default number of items per page when not specified
	DefaultLimit int32 = 20
)

func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// Option configures the defaults used before query parameters are read.
type Option func(*Params)

// WithDefaultLimit overrides the default page size. Non-positive values are
// ignored.
func WithDefaultLimit(limit int32) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// FromQuery extracts pagination parameters from URL query values, applies
// any options, enforces the maximum limit, and computes the offset.
func FromQuery(q url.Values, opts ...Option) *Params {
	params := &Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
	}

	for _, opt := range opts {
		opt(params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.ParseInt(pageStr, 10, 64); err == nil && val > 0 {
			params.Page = int32(val)
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.ParseInt(limitStr, 10, 64); err == nil && val > 0 {
			params.Limit = int32(val)
		}
	}

	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)
	return params
}

// HasNext reports whether more items exist past the current page.
func HasNext(offset, limit, count int32) bool {
	return (offset + limit) < count
}
