package gbapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEndOfResults is returned by Next once every page has been consumed.
var ErrEndOfResults = errors.New("end of results")

// SortDirection selects ascending or descending sort order.
type SortDirection int

const (
	SortAsc SortDirection = iota
	SortDesc
)

func (d SortDirection) String() string {
	if d == SortDesc {
		return "desc"
	}
	return "asc"
}

type filterPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ResourceSelect is a stateful cursor over a remote collection. All builder
// methods mutate local state only; Next and Page perform requests.
type ResourceSelect struct {
	client    *Client
	kind      *Kind
	priority  Priority
	fieldList []string
	limit     int
	offset    int
	sort      string
	filters   []filterPair
	started   bool
	working   *ResponseMetadata
}

// Filter sets a content filter (e.g. publish_date). Filters are rendered as
// a single `filter=k:v,k2:v2` query parameter.
func (s *ResourceSelect) Filter(key, value string) *ResourceSelect {
	for i := range s.filters {
		if s.filters[i].Key == key {
			s.filters[i].Value = value
			return s
		}
	}
	s.filters = append(s.filters, filterPair{Key: key, Value: value})
	return s
}

// ClearFilter removes a previously set content filter.
func (s *ResourceSelect) ClearFilter(key string) *ResourceSelect {
	for i := range s.filters {
		if s.filters[i].Key == key {
			s.filters = append(s.filters[:i], s.filters[i+1:]...)
			return s
		}
	}
	return s
}

// Sort sets the result ordering.
func (s *ResourceSelect) Sort(field string, dir SortDirection) *ResourceSelect {
	s.sort = fmt.Sprintf("%s:%s", field, dir)
	return s
}

// Limit sets the page size.
func (s *ResourceSelect) Limit(n int) *ResourceSelect {
	s.limit = n
	return s
}

// FieldList restricts the fields returned by the upstream.
func (s *ResourceSelect) FieldList(fields ...string) *ResourceSelect {
	s.fieldList = fields
	return s
}

// Priority sets the requester priority used for subsequent fetches.
func (s *ResourceSelect) Priority(p Priority) *ResourceSelect {
	s.priority = p
	return s
}

func (s *ResourceSelect) buildURL() string {
	var b strings.Builder
	b.WriteString(s.client.baseURL())
	b.WriteString(s.kind.CollectionName)
	b.WriteString("/?")
	if len(s.fieldList) > 0 {
		fmt.Fprintf(&b, "field_list=%s&", strings.Join(s.fieldList, ","))
	}
	if s.limit > 0 {
		fmt.Fprintf(&b, "limit=%d&", s.limit)
	}
	if s.started || s.offset > 0 {
		fmt.Fprintf(&b, "offset=%d&", s.offset)
	}
	if s.sort != "" {
		fmt.Fprintf(&b, "sort=%s&", s.sort)
	}
	if len(s.filters) > 0 {
		parts := make([]string, len(s.filters))
		for i, f := range s.filters {
			parts[i] = f.Key + ":" + f.Value
		}
		fmt.Fprintf(&b, "filter=%s&", strings.Join(parts, ","))
	}
	b.WriteString(s.client.apiKeyParam())
	return b.String()
}

// CountFromBeginning is the number of results from the start of the
// collection through the last row of the current page.
func (s *ResourceSelect) CountFromBeginning() int {
	if s.working == nil {
		return 0
	}
	return s.working.Offset + s.working.NumberOfPageResults
}

// TotalResults is the total size of the remote collection, 0 before the
// first request.
func (s *ResourceSelect) TotalResults() int {
	if s.working == nil {
		return 0
	}
	return s.working.NumberOfTotalResults
}

// PageResults is the number of results on the current page.
func (s *ResourceSelect) PageResults() int {
	if s.working == nil {
		return 0
	}
	return s.working.NumberOfPageResults
}

// CurrentPage is the 1-based page number of the current page, 0 before the
// first request or when the limit is 0.
func (s *ResourceSelect) CurrentPage() int {
	if s.working == nil || s.working.Limit <= 0 {
		return 0
	}
	return ceilDiv(s.CountFromBeginning(), s.working.Limit)
}

// TotalPages is the number of pages in the collection at the current limit.
func (s *ResourceSelect) TotalPages() int {
	if s.working == nil || s.working.Limit <= 0 {
		return 0
	}
	return ceilDiv(s.TotalResults(), s.working.Limit)
}

// IsLastPage reports whether the cursor has consumed the whole collection.
func (s *ResourceSelect) IsLastPage() bool {
	if s.working == nil {
		return false
	}
	return s.CountFromBeginning() >= s.TotalResults()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Next fetches the page at the current offset and advances the offset by
// the response limit. Returns ErrEndOfResults once the collection is
// exhausted.
func (s *ResourceSelect) Next() ([]Record, error) {
	if s.IsLastPage() {
		return nil, ErrEndOfResults
	}
	env, err := s.request()
	if err != nil {
		return nil, err
	}
	return env.DecodeList(s.kind)
}

// Page jumps to the 1-based page n. When no request has been made yet, a
// zero-field probe is issued first to learn the collection size and limit.
func (s *ResourceSelect) Page(n int) ([]Record, error) {
	if !s.started {
		if err := s.queryMetadata(); err != nil {
			return nil, err
		}
	}
	if n < 1 {
		return nil, fmt.Errorf("invalid page number %d: minimum is 1", n)
	}
	if n > s.TotalPages() {
		return nil, fmt.Errorf("invalid page number %d: only %d pages", n, s.TotalPages())
	}

	s.offset = s.working.Limit * (n - 1)
	// The previous page's position no longer applies to the new cursor.
	s.working.Offset = 0
	s.working.NumberOfPageResults = 0
	return s.Next()
}

// queryMetadata requests a result containing no fields to learn the
// collection's total size and page limit.
func (s *ResourceSelect) queryMetadata() error {
	saved := s.fieldList
	s.fieldList = []string{"none"}
	_, err := s.request()
	s.fieldList = saved
	return err
}

func (s *ResourceSelect) request() (*Envelope, error) {
	env, err := s.client.requester.Request(s.buildURL(), s.priority)
	if err != nil {
		return nil, err
	}
	if env.StatusCode != 1 {
		return nil, fmt.Errorf("upstream error %d: %s", env.StatusCode, env.Error)
	}
	md := env.Metadata()
	s.working = &md
	s.started = true
	s.offset = md.Offset + md.Limit
	return env, nil
}

// sessionData is the serialized form of a ResourceSelect, letting stateless
// HTTP handlers resume paging across requests.
type sessionData struct {
	Kind      string            `json:"kind"`
	Metadata  *ResponseMetadata `json:"metadata"`
	Offset    int               `json:"offset"`
	Limit     int               `json:"limit"`
	Sort      string            `json:"sort"`
	FieldList []string          `json:"field_list,omitempty"`
	Filters   []filterPair      `json:"filters,omitempty"`
	Priority  Priority          `json:"priority"`
}

// SessionData serializes the cursor's filter and paging state.
func (s *ResourceSelect) SessionData() (string, error) {
	data, err := json.Marshal(sessionData{
		Kind:      s.kind.ItemName,
		Metadata:  s.working,
		Offset:    s.offset,
		Limit:     s.limit,
		Sort:      s.sort,
		FieldList: s.fieldList,
		Filters:   s.filters,
		Priority:  s.priority,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SelectFromSessionData reconstructs a cursor from serialized session data.
func (c *Client) SelectFromSessionData(data string) (*ResourceSelect, error) {
	var sd sessionData
	if err := json.Unmarshal([]byte(data), &sd); err != nil {
		return nil, fmt.Errorf("parse session data: %w", err)
	}
	kind, err := KindByItemName(sd.Kind)
	if err != nil {
		return nil, err
	}
	s := c.Select(kind)
	s.working = sd.Metadata
	s.started = sd.Metadata != nil
	s.offset = sd.Offset
	s.limit = sd.Limit
	s.sort = sd.Sort
	s.fieldList = sd.FieldList
	s.filters = sd.Filters
	s.priority = sd.Priority
	return s, nil
}
