package storage

import (
	"errors"
	"time"

	"github.com/scrypster/synapse/pkg/types"
)

var (
	// ErrNotFound indicates that no current version of the requested entity
	// or relation exists.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters violate documented
	// preconditions (empty names, bad pagination, missing endpoints).
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a uniqueness or versioning conflict detected at
	// commit time. The operation may be retried.
	ErrConflict = errors.New("version conflict")

	// ErrUnavailable indicates a backend connection or protocol failure.
	// The operation may be retried.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrCancelled indicates the operation's context was cancelled or timed
	// out before the backend finished.
	ErrCancelled = errors.New("operation cancelled")
)

// PageOptions accepts both offset/limit and page/pageSize pagination forms.
// Page takes precedence when both are set: offset = (page-1) * pageSize.
type PageOptions struct {
	Offset   int
	Limit    int
	Page     int
	PageSize int

	// IncludeTotal requests an exact total count. Totals require an extra
	// counting pass, so they are only computed on demand.
	IncludeTotal bool
}

// Normalize resolves the two pagination forms into offset/limit and clamps
// limits to the configured maximums. Zero maximums fall back to defaults.
func (o *PageOptions) Normalize(defaultLimit, maxLimit int) {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	if maxLimit <= 0 {
		maxLimit = 200
	}

	if o.Page > 0 {
		if o.PageSize < 1 {
			o.PageSize = defaultLimit
		}
		if o.PageSize > maxLimit {
			o.PageSize = maxLimit
		}
		o.Limit = o.PageSize
		o.Offset = (o.Page - 1) * o.PageSize
	}

	if o.Limit < 1 {
		o.Limit = defaultLimit
	}
	if o.Limit > maxLimit {
		o.Limit = maxLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// PageInfo describes the slice of results a paginated response carries.
type PageInfo struct {
	Offset   int  `json:"offset"`
	Limit    int  `json:"limit"`
	Returned int  `json:"returned"`
	HasMore  bool `json:"hasMore"`

	// Total is only present when the caller requested it.
	Total *int `json:"total,omitempty"`

	// CurrentPage and TotalPages are populated when page-form pagination was
	// used and a total is known, respectively.
	CurrentPage *int `json:"currentPage,omitempty"`
	TotalPages  *int `json:"totalPages,omitempty"`

	// QueryTime is the server-side elapsed time for the query.
	QueryTime time.Duration `json:"queryTime"`
}

// NewPageInfo assembles a PageInfo from normalized options and the observed
// result size. total < 0 means the total was not computed.
func NewPageInfo(opts PageOptions, returned, total int, elapsed time.Duration) PageInfo {
	info := PageInfo{
		Offset:    opts.Offset,
		Limit:     opts.Limit,
		Returned:  returned,
		QueryTime: elapsed,
	}
	if total >= 0 {
		t := total
		info.Total = &t
		info.HasMore = opts.Offset+returned < total
		if opts.Limit > 0 {
			pages := (total + opts.Limit - 1) / opts.Limit
			info.TotalPages = &pages
		}
	} else {
		// Without a total, a full page implies there may be more.
		info.HasMore = returned == opts.Limit
	}
	if opts.Page > 0 {
		p := opts.Page
		info.CurrentPage = &p
	}
	return info
}

// PaginatedGraph is one page of entities plus the induced relation subgraph
// among them. Relations never reference entities outside the page.
type PaginatedGraph struct {
	Entities  []types.Entity   `json:"entities"`
	Relations []types.Relation `json:"relations"`
	PageInfo  PageInfo         `json:"pageInfo"`
}

// SearchOptions configures substring/regex entity search.
type SearchOptions struct {
	// Query is matched against entity name, type, and observations. Regex
	// metacharacters in the query are escaped before matching.
	Query string

	// EntityTypes restricts results to the given types. Empty means all.
	EntityTypes []string

	// CaseSensitive disables the default case-insensitive matching.
	CaseSensitive bool

	Page PageOptions
}

// VectorTags carries the descriptive tags stored alongside a vector.
type VectorTags struct {
	EntityType string
	Model      string
}

// VectorSearchOptions configures a similarity search against the index.
type VectorSearchOptions struct {
	Limit int

	// MinSimilarity filters out matches below this similarity (0 disables).
	MinSimilarity float64

	// EntityTypes restricts matches to vectors tagged with one of the given
	// entity types. Empty means no tag filter.
	EntityTypes []string
}

// VectorMatch is one result of a vector similarity search.
type VectorMatch struct {
	Key        string
	Similarity float64
	Tags       VectorTags
}
